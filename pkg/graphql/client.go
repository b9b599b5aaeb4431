package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/hirotachi/appsync-cli-chat/pkg/chat"
	"github.com/hirotachi/appsync-cli-chat/pkg/utils"
)

// ErrUnauthorized is returned for 401/403 answers.
var ErrUnauthorized = chat.ErrUnauthorized

// Client runs queries and mutations over HTTP POST.
type Client struct {
	endpoint   string
	host       string
	auth       Authorizer
	httpClient *http.Client
	log        zerolog.Logger
}

func NewClient(endpoint string, auth Authorizer, httpClient *http.Client, log zerolog.Logger) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid endpoint %q", endpoint)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		endpoint:   endpoint,
		host:       u.Host,
		auth:       auth,
		httpClient: httpClient,
		log:        log.With().Str("component", "graphql").Logger(),
	}, nil
}

// Do posts the operation and decodes data into out. A response carrying any
// GraphQL error is treated as failed.
func (c *Client) Do(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(utils.GraphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return errors.Wrap(err, "could not marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "could not build request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.auth.Headers(c.host) {
		if k == "host" {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "could not read response")
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return errors.Wrapf(ErrUnauthorized, "status %d", resp.StatusCode)
	}

	var gqlResp utils.GraphQLResponse
	if err := json.Unmarshal(raw, &gqlResp); err != nil {
		if resp.StatusCode/100 != 2 {
			return errors.Errorf("unexpected status %d", resp.StatusCode)
		}
		return errors.Wrap(err, "could not decode response")
	}
	if len(gqlResp.Errors) > 0 {
		return errors.Errorf("graphql error: %s", utils.JoinErrors(gqlResp.Errors))
	}
	if resp.StatusCode/100 != 2 {
		return errors.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil || len(gqlResp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(gqlResp.Data, out); err != nil {
		return errors.Wrap(err, "could not decode data")
	}
	c.log.Debug().Int("bytes", len(raw)).Msg("graphql operation completed")
	return nil
}
