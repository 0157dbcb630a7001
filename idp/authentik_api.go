package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	log "github.com/sirupsen/logrus"
)

const apiPathSuffix = "/api/v3"
const maxPageRequests = 20
const maxReadAttempts = 3

type authentikClient struct {
	baseUrl       string
	apiUrl        string
	token         string
	flowSlug      string
	flowPk        string
	expiry        time.Duration
	retryInterval time.Duration
	client        *http.Client
}

// NewAuthentikDirectory builds an IDirectory over the Authentik REST API.
// The invitation flow slug is resolved to its pk here; an unresolvable
// slug fails construction rather than every later invitation call.
func NewAuthentikDirectory(ctx context.Context, baseUrl string, token string, flowSlug string, expiry time.Duration) (IDirectory, error) {
	var apiUrl = strings.TrimRight(baseUrl, "/")
	if !strings.HasSuffix(apiUrl, apiPathSuffix) {
		apiUrl += apiPathSuffix
	}
	var c = &authentikClient{
		baseUrl:       baseUrl,
		apiUrl:        apiUrl,
		token:         token,
		flowSlug:      flowSlug,
		expiry:        expiry,
		retryInterval: 250 * time.Millisecond,
		client:        http.DefaultClient,
	}
	var flowPk, err = c.resolveFlowPk(ctx, flowSlug)
	if err != nil {
		return nil, err
	}
	c.flowPk = flowPk
	return c, nil
}

func (c *authentikClient) resolveFlowPk(ctx context.Context, slug string) (flowPk string, err error) {
	var params = url.Values{}
	params.Set("slug", slug)
	var found bool
	if err = c.getPagedResults(ctx, params, func(jo map[string]any) {
		if found {
			return
		}
		if pk, ok := toString(jo["pk"]); ok {
			flowPk = pk
			found = true
		}
	}, "flows", "instances"); err != nil {
		return
	}
	if !found {
		err = configErrorf("invitation flow slug %q does not resolve to a flow", slug)
	}
	return
}

func (c *authentikClient) endpointUrl(segments ...string) string {
	var b strings.Builder
	b.WriteString(c.apiUrl)
	for _, segment := range segments {
		b.WriteString("/")
		b.WriteString(strings.Trim(segment, "/"))
	}
	// Authentik endpoints require the trailing slash.
	b.WriteString("/")
	return b.String()
}

func (c *authentikClient) newRequest(ctx context.Context, method string, uri string, payload any) (rq *http.Request, err error) {
	var body io.Reader
	if payload != nil {
		var data []byte
		if data, err = json.Marshal(payload); err != nil {
			return
		}
		body = bytes.NewBuffer(data)
	}
	if rq, err = http.NewRequestWithContext(ctx, method, uri, body); err != nil {
		return
	}
	rq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.token))
	rq.Header.Add("Accept", "application/json")
	if payload != nil {
		rq.Header.Add("Content-Type", "application/json")
	}
	return
}

func (c *authentikClient) executeRequest(rq *http.Request) (response map[string]any, err error) {
	var op = fmt.Sprintf("%s %s", rq.Method, strings.TrimPrefix(rq.URL.Path, apiPathSuffix))
	var rs *http.Response
	if rs, err = c.client.Do(rq); err != nil {
		err = transientError(op, 0, err)
		return
	}
	defer func() { _ = rs.Body.Close() }()
	var body []byte
	if body, err = io.ReadAll(rs.Body); err != nil {
		err = transientError(op, rs.StatusCode, err)
		return
	}
	if rs.StatusCode >= 500 {
		err = transientError(op, rs.StatusCode, errors.New(trimBody(body)))
		return
	}
	if rs.StatusCode >= 300 {
		err = permanentError(op, rs.StatusCode, errors.New(trimBody(body)))
		return
	}
	if len(body) > 0 {
		if err = json.Unmarshal(body, &response); err != nil {
			err = permanentError(op, rs.StatusCode, fmt.Errorf("malformed response: %w", err))
		}
	}
	return
}

// getJSON issues a GET with capped exponential backoff on transient
// failures. Mutating requests are sent exactly once.
func (c *authentikClient) getJSON(ctx context.Context, uri string) (map[string]any, error) {
	var operation = func() (map[string]any, error) {
		var rq, err = c.newRequest(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		var response map[string]any
		if response, err = c.executeRequest(rq); err != nil {
			if !IsTransient(err) {
				return nil, backoff.Permanent(err)
			}
			log.WithField("url", uri).WithError(err).Debug("transient directory error, retrying")
			return nil, err
		}
		return response, nil
	}
	var bo = backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	return backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(maxReadAttempts))
}

func trimBody(body []byte) string {
	var text = strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	if len(text) == 0 {
		text = "empty response body"
	}
	return text
}

// getPagedResults enumerates a paginated Authentik list endpoint and feeds
// every result object to cb.
func (c *authentikClient) getPagedResults(ctx context.Context, params url.Values, cb func(map[string]any), segments ...string) (err error) {
	if params == nil {
		params = url.Values{}
	}
	var endpoint = c.endpointUrl(segments...)
	var page int64 = 1
	var attempt = 0
	for {
		attempt++
		if attempt > maxPageRequests {
			err = permanentError("GET "+endpoint, 0, errors.New("paged enumeration canceled: too many pages"))
			return
		}
		params.Set("page", strconv.FormatInt(page, 10))

		var jo map[string]any
		if jo, err = c.getJSON(ctx, endpoint+"?"+params.Encode()); err != nil {
			return
		}
		if results, ok := jo["results"].([]any); ok {
			for _, j := range results {
				if jor, ok := j.(map[string]any); ok {
					cb(jor)
				}
			}
		}
		pagination, ok := jo["pagination"].(map[string]any)
		if !ok {
			return
		}
		var next int64
		if next, ok = toInt64(pagination["next"]); !ok || next <= page {
			return
		}
		page = next
	}
}

func parseDirectoryUser(jo map[string]any) (result *DirectoryUser) {
	var pk, ok = toInt64(jo["pk"])
	if !ok {
		return
	}
	result = new(DirectoryUser)
	result.Id = pk
	result.Email, _ = toString(jo["email"])
	result.Username, _ = toString(jo["username"])
	result.IsActive, _ = toBoolean(jo["is_active"])
	if ja, ok := jo["groups"].([]any); ok {
		for _, j := range ja {
			if groupId, ok := toString(j); ok {
				result.Groups = append(result.Groups, groupId)
			}
		}
	}
	return
}

func parseGroup(jo map[string]any) (result *Group) {
	var ok bool
	var pk, name string
	if pk, ok = toString(jo["pk"]); ok {
		name, ok = toString(jo["name"])
	}
	if ok {
		result = &Group{Pk: pk, Name: name}
	}
	return
}

func parseInvitation(jo map[string]any) (result *Invitation) {
	var pk, ok = toString(jo["pk"])
	if !ok {
		return
	}
	result = new(Invitation)
	result.Pk = pk
	result.Flow, _ = toString(jo["flow"])
	if fixed, ok := jo["fixed_data"].(map[string]any); ok {
		result.Email, _ = toString(fixed["email"])
	}
	if expires, ok := toString(jo["expires"]); ok {
		if ts, err := time.Parse(time.RFC3339, expires); err == nil {
			result.Expires = ts
		}
	}
	return
}

func (c *authentikClient) ListUsers(ctx context.Context) (users []*DirectoryUser, err error) {
	var seen = NewSet[int64]()
	err = c.getPagedResults(ctx, nil, func(jo map[string]any) {
		if user := parseDirectoryUser(jo); user != nil && !seen.Has(user.Id) {
			seen.Add(user.Id)
			users = append(users, user)
		}
	}, "core", "users")
	return
}

func (c *authentikClient) FindUsersByEmail(ctx context.Context, email string) (users []*DirectoryUser, err error) {
	var params = url.Values{}
	params.Set("email", email)
	err = c.getPagedResults(ctx, params, func(jo map[string]any) {
		if user := parseDirectoryUser(jo); user != nil {
			users = append(users, user)
		}
	}, "core", "users")
	return
}

func (c *authentikClient) GetUserById(ctx context.Context, id int64) (user *DirectoryUser, err error) {
	var jo map[string]any
	if jo, err = c.getJSON(ctx, c.endpointUrl("core", "users", strconv.FormatInt(id, 10))); err != nil {
		return
	}
	if user = parseDirectoryUser(jo); user == nil {
		err = permanentError("GET core/users", 0, fmt.Errorf("malformed user object for id %d", id))
	}
	return
}

func (c *authentikClient) ListGroups(ctx context.Context) (groups []*Group, err error) {
	err = c.getPagedResults(ctx, nil, func(jo map[string]any) {
		if group := parseGroup(jo); group != nil {
			groups = append(groups, group)
		}
	}, "core", "groups")
	return
}

func (c *authentikClient) FindPendingInvitationForEmail(ctx context.Context, email string) (invitation *Invitation, err error) {
	// The invitations endpoint cannot filter on fixed_data, so enumerate
	// and match on the embedded email.
	err = c.getPagedResults(ctx, nil, func(jo map[string]any) {
		if invitation != nil {
			return
		}
		if inv := parseInvitation(jo); inv != nil && strings.EqualFold(inv.Email, email) {
			invitation = inv
		}
	}, "stages", "invitation", "invitations")
	return
}

func (c *authentikClient) DeleteInvitation(ctx context.Context, invitationId string) (err error) {
	var rq *http.Request
	if rq, err = c.newRequest(ctx, http.MethodDelete, c.endpointUrl("stages", "invitation", "invitations", invitationId), nil); err != nil {
		return
	}
	_, err = c.executeRequest(rq)
	return
}

func (c *authentikClient) CreateInvitation(ctx context.Context, user *UserRecord) (invitationLink string, err error) {
	var payload = map[string]any{
		"name":       user.InviteSlug,
		"expires":    time.Now().Add(c.expiry).UTC().Format(time.RFC3339),
		"fixed_data": map[string]any{"email": user.Email, "name": user.Name, "username": user.Username},
		"single_use": true,
		"flow":       c.flowPk,
	}
	var rq *http.Request
	if rq, err = c.newRequest(ctx, http.MethodPost, c.endpointUrl("stages", "invitation", "invitations"), payload); err != nil {
		return
	}
	var jo map[string]any
	if jo, err = c.executeRequest(rq); err != nil {
		return
	}
	var pk, ok = toString(jo["pk"])
	if !ok {
		err = permanentError("POST stages/invitation/invitations", 0, errors.New("invitation response is missing pk"))
		return
	}
	invitationLink = c.BuildInvitationLink(pk)
	return
}

// BuildInvitationLink derives the enrollment URL a user follows: the
// directory's base URL without the API path, the invitation flow, and the
// invitation token as a query parameter.
func (c *authentikClient) BuildInvitationLink(invitationId string) string {
	return fmt.Sprintf("%s/if/flow/%s/?itoken=%s", stripURLPath(c.baseUrl), c.flowSlug, url.QueryEscape(invitationId))
}
