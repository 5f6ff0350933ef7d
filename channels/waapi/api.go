package waapi

// request and response payloads for the provider's send endpoint
// see https://developers.facebook.com/docs/whatsapp/cloud-api/reference/messages

type Text struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

type Language struct {
	Policy string `json:"policy"`
	Code   string `json:"code"`
}

type Param struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type Component struct {
	Type   string   `json:"type"`
	Params []*Param `json:"parameters"`
}

type Template struct {
	Name       string       `json:"name"`
	Language   *Language    `json:"language"`
	Components []*Component `json:"components,omitempty"`
}

type SendRequest struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`

	Text     *Text     `json:"text,omitempty"`
	Template *Template `json:"template,omitempty"`
}

type SendResponse struct {
	Messages []*struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// payloads for managing message templates under the business account
// see https://developers.facebook.com/docs/whatsapp/business-management-api/message-templates

type TemplateRequest struct {
	Name       string               `json:"name"`
	Language   string               `json:"language"`
	Category   string               `json:"category"`
	Components []*TemplateComponent `json:"components"`
}

type TemplateComponent struct {
	Type    string            `json:"type"`
	Format  string            `json:"format,omitempty"`
	Text    string            `json:"text,omitempty"`
	Example *TemplateExample  `json:"example,omitempty"`
	Buttons []*TemplateButton `json:"buttons,omitempty"`
}

type TemplateExample struct {
	HeaderText []string   `json:"header_text,omitempty"`
	BodyText   [][]string `json:"body_text,omitempty"`
}

type TemplateButton struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	URL         string `json:"url,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

type TemplateEntry struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Language       string `json:"language"`
	Status         string `json:"status"`
	RejectedReason string `json:"rejected_reason,omitempty"`
}

type TemplateListResponse struct {
	Data   []*TemplateEntry `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}
