package export

import (
	"errors"
	"testing"
)

func TestAuditSVG(t *testing.T) {
	tests := []struct {
		name   string
		svg    string
		refuse bool
	}{
		{
			name: "plain svg",
			svg:  `<svg xmlns="http://www.w3.org/2000/svg"><rect width="10" height="10"/></svg>`,
		},
		{
			name: "fragment reference",
			svg:  `<svg><use href="#marker"/></svg>`,
		},
		{
			name: "data uri image",
			svg:  `<svg><image href="data:image/png;base64,iVBORw0KGgo="/></svg>`,
		},
		{
			name: "public url",
			svg:  `<svg><image href="https://assets.example.com/logo.png"/></svg>`,
		},
		{
			name:   "localhost",
			svg:    `<svg><image href="http://localhost:8080/secret"/></svg>`,
			refuse: true,
		},
		{
			name:   "loopback ip",
			svg:    `<svg><image href="http://127.0.0.1/metadata"/></svg>`,
			refuse: true,
		},
		{
			name:   "private range",
			svg:    `<svg><image href="http://10.0.0.5/internal"/></svg>`,
			refuse: true,
		},
		{
			name:   "link local",
			svg:    `<svg><image href="http://169.254.169.254/latest/meta-data"/></svg>`,
			refuse: true,
		},
		{
			name:   "file scheme",
			svg:    `<svg><image href="file:///etc/passwd"/></svg>`,
			refuse: true,
		},
		{
			name:   "xlink href",
			svg:    `<svg><image xlink:href="http://192.168.1.1/router"/></svg>`,
			refuse: true,
		},
		{
			name:   "nested element",
			svg:    `<svg><g><g><image href="http://172.16.0.1/x"/></g></g></svg>`,
			refuse: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := auditSVG(tt.svg)
			if tt.refuse {
				var iie *InvalidInputError
				if !errors.As(err, &iie) {
					t.Fatalf("expected InvalidInputError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected refusal: %v", err)
			}
		})
	}
}

func TestRefuseRefRelative(t *testing.T) {
	// Relative references resolve against about:blank; nothing to fetch.
	if reason := refuseRef("logo.png"); reason != "" {
		t.Errorf("relative reference refused: %s", reason)
	}
}
