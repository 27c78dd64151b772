package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rerobots/hardshare/pkg/types"
)

// Client performs one-shot authenticated calls against the upstream HTTP
// API: registration, dissolution, access rules, add-on configuration. The
// daemon never uses this; only the CLI does.
type Client struct {
	origin string
	token  string
	http   *http.Client
}

// New builds a client for the upstream origin with a bearer token.
func New(origin, token string) *Client {
	return &Client{
		origin: origin,
		token:  token,
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.origin+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: HTTP %d", types.ErrTransportAuthFailed, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data))
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Register creates a new workspace deployment upstream and returns its
// assigned identity.
func (c *Client) Register() (*types.WDeployment, error) {
	var result struct {
		ID    string `json:"id"`
		Owner string `json:"owner"`
	}
	if err := c.do(http.MethodPost, "/hardshare/register", nil, &result); err != nil {
		return nil, err
	}
	return types.NewWDeployment(result.ID, result.Owner), nil
}

// DeclareExisting re-associates a previously registered WD with this host.
func (c *Client) DeclareExisting(wdid string) (*types.WDeployment, error) {
	var result struct {
		ID    string `json:"id"`
		Owner string `json:"owner"`
	}
	if err := c.do(http.MethodGet, "/hardshare/owners/"+wdid, nil, &result); err != nil {
		return nil, err
	}
	return types.NewWDeployment(result.ID, result.Owner), nil
}

// Dissolve permanently retires a WD upstream.
func (c *Client) Dissolve(wdid string) error {
	return c.do(http.MethodPost, "/hardshare/dis/"+wdid, nil, nil)
}

// AccessRules fetches the upstream capability rules for a WD.
func (c *Client) AccessRules(wdid string) ([]types.CapabilityRule, error) {
	var result struct {
		Rules []types.CapabilityRule `json:"rules"`
	}
	if err := c.do(http.MethodGet, "/deployment/"+wdid+"/rules", nil, &result); err != nil {
		return nil, err
	}
	return result.Rules, nil
}

// AddAccessRule appends one capability rule.
func (c *Client) AddAccessRule(wdid string, rule types.CapabilityRule) error {
	return c.do(http.MethodPost, "/deployment/"+wdid+"/rule", rule, nil)
}

// DropAccessRules removes every capability rule for a WD.
func (c *Client) DropAccessRules(wdid string) error {
	return c.do(http.MethodDelete, "/deployment/"+wdid+"/rules", nil, nil)
}

// SetLockout toggles the upstream-side advertisement lock.
func (c *Client) SetLockout(wdid string, locked bool) error {
	verb := "lockout"
	if !locked {
		verb = "unlockout"
	}
	return c.do(http.MethodPost, fmt.Sprintf("/hardshare/%s/%s", verb, wdid), nil, nil)
}

// UpsertAddon declares or reconfigures an add-on for a WD.
func (c *Client) UpsertAddon(wdid string, addon types.AddonKind, cfg map[string]string) error {
	body := map[string]interface{}{"addon": addon}
	if len(cfg) > 0 {
		body["config"] = cfg
	}
	return c.do(http.MethodPost, "/deployment/"+wdid+"/addon", body, nil)
}

// RemoveAddon removes an add-on declaration.
func (c *Client) RemoveAddon(wdid string, addon types.AddonKind) error {
	return c.do(http.MethodDelete, fmt.Sprintf("/deployment/%s/addon/%s", wdid, addon), nil, nil)
}

// RegisterCamera announces a camera attachment and returns its id.
func (c *Client) RegisterCamera(wdids []string) (string, error) {
	var result struct {
		ID string `json:"id"`
	}
	body := map[string]interface{}{"wds": wdids}
	if err := c.do(http.MethodPost, "/hardshare/cam", body, &result); err != nil {
		return "", err
	}
	return result.ID, nil
}
