package drive

import (
	"errors"
	"testing"

	"github.com/vonshlovens/driveseer/internal/domain"
)

func TestParseFolderURL(t *testing.T) {
	tests := []struct {
		input  string
		wantID string
		wantOK bool
	}{
		{"https://drive.google.com/drive/folders/1AbC_dEf-123", "1AbC_dEf-123", true},
		{"https://drive.google.com/drive/u/0/folders/XyZ789", "XyZ789", true},
		{"https://drive.google.com/drive/u/2/folders/XyZ789", "XyZ789", true},
		{"https://drive.google.com/open?id=FA", "FA", true},
		{"https://drive.google.com/open?id=FA&usp=sharing", "FA", true},
		{"https://drive.google.com/folderview?id=ZZ9", "ZZ9", true},
		{"https://drive.google.com/drive/folders/abc?usp=sharing", "abc", true},

		{"https://docs.google.com/drive/folders/abc", "", false},
		{"https://evil.example.com/drive/folders/abc", "", false},
		{"https://drive.google.com/file/d/abc/view", "", false},
		{"https://drive.google.com/open", "", false},
		{"https://drive.google.com/drive/folders/", "", false},
		{"https://drive.google.com/drive/folders/ab%20cd", "", false},
		{"not a url at all ://", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			id, err := ParseFolderURL(tt.input)
			if tt.wantOK {
				if err != nil {
					t.Fatalf("ParseFolderURL(%q) error: %v", tt.input, err)
				}
				if id != tt.wantID {
					t.Errorf("ParseFolderURL(%q) = %q, want %q", tt.input, id, tt.wantID)
				}
				return
			}
			if !errors.Is(err, domain.ErrInvalidURL) {
				t.Errorf("ParseFolderURL(%q) = (%q, %v), want ErrInvalidURL", tt.input, id, err)
			}
		})
	}
}
