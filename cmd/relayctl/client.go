package main

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/org/keyrelay/internal/crypto"
	"github.com/org/keyrelay/internal/identity"
)

// Client is a signing HTTP client for the keyrelay API.
type Client struct {
	addr   string
	signer identity.Key
	priv   ed25519.PrivateKey
	http   *http.Client
}

// newClient creates a Client from the current config and opens the
// signing key.
func newClient() (*Client, error) {
	addr := cfg.Address
	if v := os.Getenv("KEYRELAY_ADDR"); v != "" {
		addr = v
	}
	caCert := cfg.TLSCACert
	if v := os.Getenv("KEYRELAY_CACERT"); v != "" {
		caCert = v
	}

	signer, priv, err := openIdentity()
	if err != nil {
		return nil, err
	}

	tlsCfg := &tls.Config{}
	if caCert != "" {
		data, err := os.ReadFile(caCert)
		if err == nil {
			pool := x509.NewCertPool()
			pool.AppendCertsFromPEM(data)
			tlsCfg.RootCAs = pool
		}
	}

	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}

	return &Client{addr: strings.TrimRight(addr, "/"), signer: signer, priv: priv, http: httpClient}, nil
}

func keyFilePath() string {
	if v := os.Getenv("KEYRELAY_KEY_FILE"); v != "" {
		return v
	}
	return cfg.KeyFile
}

// openIdentity reads and unseals the configured key file.
func openIdentity() (identity.Key, ed25519.PrivateKey, error) {
	kf, err := crypto.ReadKeyFile(keyFilePath())
	if err != nil {
		return identity.Key{}, nil, fmt.Errorf("%w (run `relayctl keygen` first)", err)
	}
	priv, err := crypto.OpenKey(kf, readPassphrase("Passphrase: "))
	if err != nil {
		return identity.Key{}, nil, err
	}
	k, err := identity.FromPublicKey(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return identity.Key{}, nil, err
	}
	return k, priv, nil
}

func readPassphrase(prompt string) []byte {
	if v, ok := os.LookupEnv("KEYRELAY_KEY_PASSPHRASE"); ok {
		return []byte(v)
	}
	fmt.Fprint(os.Stderr, prompt)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()
	return []byte(strings.TrimSpace(scanner.Text()))
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var data []byte
	if body != nil {
		var err error
		data, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequest(method, c.addr+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	ts := time.Now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(identity.HeaderSigner, c.signer.String())
	req.Header.Set(identity.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(identity.HeaderSignature, identity.SignRequest(c.priv, method, req.URL.RequestURI(), ts, data))

	return c.http.Do(req)
}

func (c *Client) get(path string) (map[string]any, error) {
	resp, err := c.do("GET", path, nil)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

func (c *Client) post(path string, body any) (map[string]any, error) {
	resp, err := c.do("POST", path, body)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

func (c *Client) put(path string, body any) (map[string]any, error) {
	resp, err := c.do("PUT", path, body)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

func parseResponse(resp *http.Response) (map[string]any, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, data)
	}
	if resp.StatusCode >= 400 {
		code, _ := result["code"].(string)
		if errs, ok := result["errors"].([]any); ok && len(errs) > 0 {
			if code != "" {
				return nil, fmt.Errorf("%s: %v", code, errs[0])
			}
			return nil, fmt.Errorf("%v", errs[0])
		}
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return result, nil
}
