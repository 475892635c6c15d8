package d4l

import (
	"bytes"
	"context"
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/and161185/health-connector/internal/crypto"
)

// SignatureHeader carries the RSA-PSS signature of the request body.
const SignatureHeader = "X-Record-Signature"

// Uploader pushes one resource into a patient record.
type Uploader interface {
	UploadDocument(ctx context.Context, r Resource, accessToken string, privateKeyPEM []byte) error
}

// StatusError is returned when the record service rejects an upload.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("upload rejected: status %d", e.Code) }

// HTTPUploader posts resources to the record service, throttled to a fixed rate.
type HTTPUploader struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPUploader constructs an uploader. rps <= 0 disables throttling.
func NewHTTPUploader(url string, rps float64, timeout time.Duration) *HTTPUploader {
	lim := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		lim = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &HTTPUploader{url: url, client: &http.Client{Timeout: timeout}, limiter: lim}
}

// UploadDocument implements Uploader.
func (u *HTTPUploader) UploadDocument(ctx context.Context, r Resource, accessToken string, privateKeyPEM []byte) error {
	priv, err := crypto.ParsePrivateKeyPEM(privateKeyPEM)
	if err != nil {
		return err
	}
	sig, err := Sign(priv, r.Raw)
	if err != nil {
		return err
	}
	if err := u.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url+"/"+r.Type, bytes.NewReader(r.Raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/fhir+json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set(SignatureHeader, sig)

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// Sign returns the base64 RSA-PSS/SHA-256 signature of body.
func Sign(priv *rsa.PrivateKey, body []byte) (string, error) {
	sum := sha256.Sum256(body)
	sig, err := rsa.SignPSS(rand.Reader, priv, stdcrypto.SHA256, sum[:], nil)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a signature produced by Sign.
func Verify(pub *rsa.PublicKey, body []byte, sigB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(body)
	return rsa.VerifyPSS(pub, stdcrypto.SHA256, sum[:], sig, nil)
}

// MockUploader records uploads instead of sending them.
type MockUploader struct {
	log *zap.Logger

	mu       sync.Mutex
	uploaded []Resource
	// Fail makes every upload of a resource with this type fail.
	Fail string
}

// NewMockUploader constructs a MockUploader.
func NewMockUploader(log *zap.Logger) *MockUploader { return &MockUploader{log: log} }

// UploadDocument implements Uploader.
func (m *MockUploader) UploadDocument(_ context.Context, r Resource, _ string, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != "" && m.Fail == r.Type {
		return &StatusError{Code: http.StatusServiceUnavailable}
	}
	m.uploaded = append(m.uploaded, r)
	m.log.Info("mock upload", zap.String("resourceType", r.Type))
	return nil
}

// Uploaded returns the resources accepted so far.
func (m *MockUploader) Uploaded() []Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Resource(nil), m.uploaded...)
}
