package security

import "testing"

// SanitizeTextがタグを除去して空白を取り除くことを検証
func TestTextSanitizer_SanitizeText(t *testing.T) {
	s := NewTextSanitizer()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"プレーンテキストはそのまま", "Write report", "Write report"},
		{"前後の空白を除去", "  Work  ", "Work"},
		{"タグを除去", "<b>Bold</b> title", "Bold title"},
		{"scriptは中身ごと除去", "<script>alert(1)</script>Task", "Task"},
		{"エンティティを戻す", "Tom & Jerry", "Tom & Jerry"},
		{"タグのみは空文字", "<img src=x onerror=alert(1)>", ""},
		{"空文字", "", ""},
		{"日本語", "　資料作成 ", "資料作成"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.SanitizeText(tt.in); got != tt.want {
				t.Errorf("SanitizeText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// SanitizeTextが冪等であることを検証
func TestTextSanitizer_Idempotent(t *testing.T) {
	s := NewTextSanitizer()
	in := "<p>Plan <em>Q3</em></p>"
	once := s.SanitizeText(in)
	if twice := s.SanitizeText(once); twice != once {
		t.Errorf("not idempotent: %q -> %q", once, twice)
	}
}

// ValidateAttachmentURLの許可・拒否を検証
func TestValidateAttachmentURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"https", "https://files.example.com/a.pdf", false},
		{"http", "http://files.example.com/a.pdf", true},
		{"javascript", "javascript:alert(1)", true},
		{"空", "", true},
		{"localhost", "https://localhost/a", true},
		{"ループバック", "https://127.0.0.1/a", true},
		{"プライベート", "https://10.1.2.3/a", true},
		{"メタデータ", "https://169.254.169.254/latest", true},
		{"IPv6ループバック", "https://[::1]/a", true},
		{"IPv4射影アドレス", "https://[::ffff:192.168.0.1]/a", true},
		{"グローバルIP", "https://93.184.216.34/a", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAttachmentURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAttachmentURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}
