package dispatcher

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nuetzliches/leasequeue/internal/secrets"
)

type HTTPDeliverer struct {
	Client *http.Client
	Now    func() time.Time

	secretCache sync.Map
}

// NewHTTPDeliverer wraps client. Redirects are not followed; a 3xx response
// counts as a failed delivery.
func NewHTTPDeliverer(client *http.Client) *HTTPDeliverer {
	if client == nil {
		client = &http.Client{}
	}
	client.CheckRedirect = func(_ *http.Request, _ []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &HTTPDeliverer{Client: client, Now: time.Now}
}

func (d *HTTPDeliverer) Deliver(ctx context.Context, delivery Delivery) Result {
	method := delivery.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, delivery.URL, bytes.NewReader(delivery.Body))
	if err != nil {
		return Result{Err: err}
	}
	for k, v := range delivery.Header {
		for _, vv := range v {
			req.Header.Add(k, vv)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderID, delivery.ID)
	req.Header.Set(HeaderQueue, delivery.Queue)
	req.Header.Set(HeaderTries, strconv.Itoa(delivery.Tries))
	if err := d.sign(req, delivery); err != nil {
		return Result{Err: err}
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	_, _ = io.Copy(io.Discard, resp.Body)
	if err != nil {
		return Result{StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	return Result{StatusCode: resp.StatusCode, Body: body}
}

// sign sets the timestamp and signature headers. The signature is
// hex(HMAC-SHA256(secret, METHOD \n path \n unix-ts \n hex(sha256(body)))).
func (d *HTTPDeliverer) sign(req *http.Request, delivery Delivery) error {
	cfg := delivery.Sign
	if cfg == nil {
		return nil
	}
	signatureHeader := strings.TrimSpace(cfg.SignatureHeader)
	if signatureHeader == "" {
		signatureHeader = DefaultSignatureHeader
	}
	timestampHeader := strings.TrimSpace(cfg.TimestampHeader)
	if timestampHeader == "" {
		timestampHeader = DefaultTimestampHeader
	}

	secret, err := d.loadSecret(cfg.SecretRef)
	if err != nil {
		return fmt.Errorf("delivery signing secret %q: %w", cfg.SecretRef, err)
	}

	nowFn := d.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	timestamp := strconv.FormatInt(nowFn().Unix(), 10)
	reqPath := req.URL.EscapedPath()
	if reqPath == "" {
		reqPath = "/"
	}
	req.Header.Set(timestampHeader, timestamp)
	req.Header.Set(signatureHeader, Signature(secret, req.Method, reqPath, timestamp, delivery.Body))
	return nil
}

// Signature computes the value a receiver should compare against the
// signature header.
func Signature(secret []byte, method, path, timestamp string, body []byte) string {
	bodyHash := sha256.Sum256(body)
	canonical := strings.ToUpper(method) + "\n" + path + "\n" + timestamp + "\n" + hex.EncodeToString(bodyHash[:])
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

func (d *HTTPDeliverer) loadSecret(ref string) ([]byte, error) {
	if v, ok := d.secretCache.Load(ref); ok {
		return v.([]byte), nil
	}
	b, err := secrets.LoadRef(ref)
	if err != nil {
		return nil, err
	}
	d.secretCache.Store(ref, b)
	return b, nil
}
