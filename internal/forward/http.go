package forward

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/org/keyrelay/internal/identity"
	"github.com/org/keyrelay/internal/payload"
	"github.com/org/keyrelay/internal/target"
)

// InvokePath is the target entry point on a keyrelay server.
const InvokePath = "/v1/target/invoke"

// Query parameters naming the account and the end signer of a forwarded
// call. They travel in the request URI, which the relay signature covers.
const (
	ParamAccount  = "account"
	ParamOnBehalf = "on_behalf"
)

// InvokeURI returns the request URI of a forwarded call.
func InvokeURI(account identity.Address, onBehalf identity.Key) string {
	q := url.Values{ParamAccount: {account.String()}, ParamOnBehalf: {onBehalf.String()}}
	return InvokePath + "?" + q.Encode()
}

// HTTPForwarder posts envelopes to a remote target, signing each request
// with the relay identity.
type HTTPForwarder struct {
	baseURL string
	priv    ed25519.PrivateKey
	caller  identity.Key
	http    *http.Client
	now     func() time.Time
}

// NewHTTPForwarder creates an HTTPForwarder for the server at baseURL.
func NewHTTPForwarder(baseURL string, priv ed25519.PrivateKey, timeout time.Duration) (*HTTPForwarder, error) {
	caller, err := identity.FromPublicKey(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("relay identity: %w", err)
	}
	return &HTTPForwarder{
		baseURL: baseURL,
		priv:    priv,
		caller:  caller,
		http:    &http.Client{Timeout: timeout},
		now:     time.Now,
	}, nil
}

func (f *HTTPForwarder) Forward(ctx context.Context, account identity.Address, signer identity.Key, functionID uint8, params []byte) error {
	env, err := payload.Encode(functionID, params)
	if err != nil {
		return err
	}

	uri := InvokeURI(account, signer)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+uri, bytes.NewReader(env))
	if err != nil {
		return err
	}
	ts := f.now().Unix()
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(identity.HeaderSigner, f.caller.String())
	req.Header.Set(identity.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(identity.HeaderSignature, identity.SignRequest(f.priv, http.MethodPost, uri, ts, env))

	resp, err := f.http.Do(req)
	if err != nil {
		return fmt.Errorf("forwarding to target: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil
	}

	var body struct {
		Errors []string `json:"errors"`
		Code   string   `json:"code"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err != nil {
		return fmt.Errorf("target returned HTTP %d: %s", resp.StatusCode, data)
	}
	if known := target.ErrorForCode(body.Code); known != nil {
		return known
	}
	if len(body.Errors) > 0 {
		return fmt.Errorf("target returned HTTP %d: %s", resp.StatusCode, body.Errors[0])
	}
	return fmt.Errorf("target returned HTTP %d", resp.StatusCode)
}
