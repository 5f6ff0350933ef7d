package waapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/heraldhq/herald"
	"github.com/heraldhq/herald/templates"
	"github.com/nyaruka/gocommon/jsonx"
)

// template listings are paged, we stop following cursors after this many pages
const maxTemplatePages = 10

// SubmitTemplate submits the given template to the provider for review, returning the
// id it was assigned.
func (a *adapter) SubmitTemplate(ctx context.Context, tpl *templates.WhatsAppTemplate, clog *herald.ChannelLog) (string, error) {
	token := a.channel.StringConfigForKey(herald.ConfigAuthToken, "")
	wabaID := a.channel.StringConfigForKey(configWABAID, "")
	if token == "" || wabaID == "" {
		return "", herald.ErrChannelConfig
	}

	jsonBody := jsonx.MustMarshal(templatePayload(tpl))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/%s/message_templates", a.baseURL(), wabaID), bytes.NewReader(jsonBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, respBody, err := herald.RequestHTTPWithRetries(req, requestRetries, clog)
	if err != nil || resp.StatusCode/100 == 5 {
		return "", herald.ErrConnectionFailed
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", herald.ErrAuthFailed
	}
	if resp.StatusCode/100 != 2 {
		if msg, err := jsonparser.GetString(respBody, "error", "message"); err == nil {
			return "", fmt.Errorf("template submission rejected: %s", msg)
		}
		return "", fmt.Errorf("template submission rejected with status %d", resp.StatusCode)
	}

	providerID, err := jsonparser.GetString(respBody, "id")
	if err != nil {
		clog.Error(herald.ErrorResponseValueMissing("id"))
		return "", herald.ErrResponseUnparseable
	}
	return providerID, nil
}

// FetchTemplateStatuses lists the review status of every template under our business
// account, following paging cursors.
func (a *adapter) FetchTemplateStatuses(ctx context.Context, clog *herald.ChannelLog) ([]*templates.ProviderStatus, error) {
	token := a.channel.StringConfigForKey(herald.ConfigAuthToken, "")
	wabaID := a.channel.StringConfigForKey(configWABAID, "")
	if token == "" || wabaID == "" {
		return nil, herald.ErrChannelConfig
	}

	url := fmt.Sprintf("%s/%s/message_templates?fields=id,name,language,status,rejected_reason&limit=100", a.baseURL(), wabaID)

	var statuses []*templates.ProviderStatus
	for page := 0; url != "" && page < maxTemplatePages; page++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, respBody, err := herald.RequestHTTP(req, clog)
		if err != nil || resp.StatusCode/100 == 5 {
			return nil, herald.ErrConnectionFailed
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, herald.ErrAuthFailed
		}

		listing := &TemplateListResponse{}
		if err := json.Unmarshal(respBody, listing); err != nil {
			return nil, herald.ErrResponseUnparseable
		}

		for _, entry := range listing.Data {
			statuses = append(statuses, &templates.ProviderStatus{
				ID:       entry.ID,
				Name:     entry.Name,
				Language: entry.Language,
				Status:   entry.Status,
				Reason:   entry.RejectedReason,
			})
		}
		url = listing.Paging.Next
	}
	return statuses, nil
}

// templatePayload maps a registry template to the provider's creation payload
func templatePayload(tpl *templates.WhatsAppTemplate) *TemplateRequest {
	req := &TemplateRequest{Name: tpl.Name, Language: tpl.Language, Category: tpl.Category}

	for _, comp := range tpl.Components {
		tc := &TemplateComponent{Type: strings.ToUpper(comp.Type), Text: comp.Text}

		if comp.Type == templates.ComponentTypeHeader {
			format := comp.Format
			if format == "" {
				format = "text"
			}
			tc.Format = strings.ToUpper(format)
		}

		// review requires example values for any component with placeholders
		if len(comp.Params) > 0 {
			examples := make([]string, len(comp.Params))
			for i, p := range comp.Params {
				examples[i] = p.Example
				if examples[i] == "" {
					examples[i] = "example"
				}
			}
			if comp.Type == templates.ComponentTypeHeader {
				tc.Example = &TemplateExample{HeaderText: examples}
			} else {
				tc.Example = &TemplateExample{BodyText: [][]string{examples}}
			}
		}

		for _, b := range comp.Buttons {
			tc.Buttons = append(tc.Buttons, &TemplateButton{Type: strings.ToUpper(b.Type), Text: b.Text, URL: b.URL, PhoneNumber: b.PhoneNumber})
		}

		req.Components = append(req.Components, tc)
	}
	return req
}
