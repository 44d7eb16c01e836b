// dephealth_test.go — unit-тесты построения пути проверки Girder.
package service

import (
	"testing"
)

// TestGirderHealthPath проверяет путь health check с учётом префикса API.
func TestGirderHealthPath(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "стандартный префикс /api/v1",
			input:    "http://girder:8080/api/v1",
			expected: "/api/v1/system/version",
		},
		{
			name:     "завершающий слэш",
			input:    "https://girder.example.org/api/v1/",
			expected: "/api/v1/system/version",
		},
		{
			name:     "без пути",
			input:    "http://girder:8080",
			expected: "/system/version",
		},
		{
			name:     "вложенный префикс за прокси",
			input:    "https://data.example.org/girder/api/v1",
			expected: "/girder/api/v1/system/version",
		},
		{
			name:     "некорректный URL",
			input:    "://girder",
			expected: "/system/version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := girderHealthPath(tt.input); got != tt.expected {
				t.Errorf("girderHealthPath(%q) = %q, ожидается %q", tt.input, got, tt.expected)
			}
		})
	}
}
