package email

import (
	"strings"
	"testing"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port: "587",
				From: "avisos@despacho.mx",
			},
			expected: false,
		},
		{
			name: "missing port",
			config: Config{
				Host: "smtp.despacho.mx",
				From: "avisos@despacho.mx",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.despacho.mx",
				Port: "587",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.despacho.mx",
				Port: "587",
				From: "avisos@despacho.mx",
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestRenderRegistrationPendingTemplate(t *testing.T) {
	data := registrationData{
		AppName:  "Despacho",
		UserName: "Ana Torres",
		Email:    "ana@cliente.mx",
	}

	html, err := renderTemplate(registrationPendingTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	if !strings.Contains(html, "Despacho") {
		t.Error("template should contain app name")
	}
	if !strings.Contains(html, "Ana Torres") {
		t.Error("template should contain user name")
	}
	if !strings.Contains(html, "ana@cliente.mx") {
		t.Error("template should contain user email")
	}
}

func TestRenderAccountApprovedTemplate(t *testing.T) {
	data := approvedData{
		AppName:  "Despacho",
		UserName: "Ana Torres",
		Role:     "CONTABLE",
	}

	html, err := renderTemplate(accountApprovedTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	if !strings.Contains(html, "Ana Torres") {
		t.Error("template should contain user name")
	}
	if !strings.Contains(html, "CONTABLE") {
		t.Error("template should contain assigned role")
	}
}

func TestRenderCaseUpdateTemplate(t *testing.T) {
	data := caseUpdateData{
		AppName:    "Despacho",
		UserName:   "Luis Mora",
		CaseNumber: "CON-12345678-001",
		CaseTitle:  "Declaración anual",
		Detail:     "Nueva versión registrada",
	}

	html, err := renderTemplate(caseUpdateTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	if !strings.Contains(html, "CON-12345678-001") {
		t.Error("template should contain case number")
	}
	if !strings.Contains(html, "Declaración anual") {
		t.Error("template should contain case title")
	}
	if !strings.Contains(html, "Nueva versión registrada") {
		t.Error("template should contain the update detail")
	}
}
