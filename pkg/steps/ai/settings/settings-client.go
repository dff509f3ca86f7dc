package settings

import (
	"net/http"
	"time"

	"github.com/huandu/go-clone"
	"gopkg.in/yaml.v3"
)

const DefaultUserAgent = "grove"

// ClientSettings configures the HTTP client shared by the remote backends.
type ClientSettings struct {
	Timeout        *time.Duration `yaml:"timeout,omitempty"`
	TimeoutSeconds *int           `yaml:"timeout_second,omitempty"`
	UserAgent      *string        `yaml:"user_agent,omitempty"`
	HTTPClient     *http.Client   `yaml:"-" json:"-"`
}

// UnmarshalYAML reads timeout as whole seconds. timeout_second is accepted as an alias.
func (cs *ClientSettings) UnmarshalYAML(value *yaml.Node) error {
	var aux struct {
		Timeout        *int    `yaml:"timeout,omitempty"`
		TimeoutSeconds *int    `yaml:"timeout_second,omitempty"`
		UserAgent      *string `yaml:"user_agent,omitempty"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	seconds := aux.TimeoutSeconds
	if aux.Timeout != nil {
		seconds = aux.Timeout
	}
	if seconds != nil {
		t := time.Duration(*seconds) * time.Second
		cs.Timeout = &t
		cs.TimeoutSeconds = seconds
	}
	if aux.UserAgent != nil {
		cs.UserAgent = aux.UserAgent
	}
	return nil
}

func (cs *ClientSettings) Clone() *ClientSettings {
	return clone.Clone(cs).(*ClientSettings)
}

func NewClientSettings() *ClientSettings {
	defaultTimeout := 60 * time.Second
	userAgent := DefaultUserAgent
	return &ClientSettings{
		Timeout: &defaultTimeout,
		TimeoutSeconds: func() *int {
			i := int(defaultTimeout.Seconds())
			return &i
		}(),
		UserAgent: &userAgent,
	}
}

// WithTimeout returns a copy with the timeout replaced. A zero timeout disables it.
func (cs *ClientSettings) WithTimeout(d time.Duration) *ClientSettings {
	ret := cs.Clone()
	ret.Timeout = &d
	seconds := int(d.Seconds())
	ret.TimeoutSeconds = &seconds
	return ret
}

// Client returns the configured client, or a new one honoring the timeout.
//
// The timeout bounds establishing the connection and receiving response headers only,
// streams themselves are bounded by their context.
func (cs *ClientSettings) Client() *http.Client {
	if cs.HTTPClient != nil {
		return cs.HTTPClient
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cs.Timeout != nil && *cs.Timeout > 0 {
		transport.ResponseHeaderTimeout = *cs.Timeout
	}
	return &http.Client{Transport: &userAgentTransport{base: transport, userAgent: cs.userAgent()}}
}

func (cs *ClientSettings) userAgent() string {
	if cs.UserAgent == nil || *cs.UserAgent == "" {
		return DefaultUserAgent
	}
	return *cs.UserAgent
}

type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.base.RoundTrip(req)
}
