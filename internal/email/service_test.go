package email

import (
	"errors"
	"net/smtp"
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
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing port",
			config: Config{
				Host: "smtp.example.com",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
				From: "test@example.com",
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

func TestRenderWelcomeTemplate(t *testing.T) {
	data := WelcomeData{
		Email:        "pat@example.com",
		FirstName:    "Pat",
		LastName:     "Lee",
		TempPassword: "Xy7!abcdEFGH",
		CampaignName: "Lakeview Dissolution",
		SignInURL:    "https://example.com/login",
	}

	html, err := renderTemplate(welcomeTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	for _, want := range []string{"Lakeview Dissolution", "Pat Lee", "pat@example.com", "Xy7!abcdEFGH", "https://example.com/login"} {
		if !strings.Contains(html, want) {
			t.Errorf("template should contain %q", want)
		}
	}
}

func TestSendWelcomeEmail(t *testing.T) {
	svc := NewService(Config{Host: "smtp.example.com", Port: "587", From: "noreply@example.com", FromName: "Lakeview HOA"})

	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	svc.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}

	err := svc.SendWelcomeEmail(WelcomeData{Email: "pat@example.com", FirstName: "Pat", TempPassword: "Temp#1234567"})
	if err != nil {
		t.Fatalf("SendWelcomeEmail failed: %v", err)
	}
	if gotAddr != "smtp.example.com:587" {
		t.Errorf("addr = %q", gotAddr)
	}
	if len(gotTo) != 1 || gotTo[0] != "pat@example.com" {
		t.Errorf("to = %v", gotTo)
	}
	if !strings.Contains(gotMsg, "Subject: Welcome to Lakeview HOA\r\n") {
		t.Error("subject should fall back to the sender name")
	}
	if !strings.Contains(gotMsg, "From: Lakeview HOA <noreply@example.com>") {
		t.Error("from header should carry the display name")
	}
	if !strings.Contains(gotMsg, "Temporary password: Temp#1234567") {
		t.Error("message should carry the temporary password")
	}
}

func TestSendWelcomeEmailValidation(t *testing.T) {
	svc := NewService(Config{Host: "smtp.example.com", Port: "587", From: "noreply@example.com"})
	svc.send = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("send should not be called")
		return nil
	}

	err := svc.SendWelcomeEmail(WelcomeData{FirstName: "Pat"})
	if err == nil || !strings.Contains(err.Error(), "email, tempPassword") {
		t.Fatalf("expected missing fields error, got %v", err)
	}
	if err := svc.SendHTMLEmail([]string{"a@example.com\r\nBcc: x@example.com"}, "hi", "", ""); err == nil {
		t.Fatal("expected header injection to be rejected")
	}
}

func TestSendWithoutConfiguration(t *testing.T) {
	svc := NewService(Config{})
	err := svc.SendWelcomeEmail(WelcomeData{Email: "pat@example.com", TempPassword: "x"})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
