package internal

import (
	"errors"
	"strings"
	"testing"
)

func TestDownloadError_Error(t *testing.T) {
	err := NewHttpStatusError(503)

	result := err.Error()

	if !strings.Contains(result, "download error") {
		t.Error("Error message should contain 'download error'")
	}
	if !strings.Contains(result, "HttpStatus") {
		t.Error("Error message should contain the taxonomy code")
	}
	if !strings.Contains(result, "503") {
		t.Error("Error message should contain the status code")
	}
}

func TestDownloadError_DetailedError(t *testing.T) {
	err := NewDownloadError(ErrTimeout, "request exceeded deadline").
		WithOp("fetch").
		WithPath("/tmp/out/.out.chunk0").
		WithContext("attempts", 3)

	result := err.DetailedError()

	if !strings.Contains(result, "WARNING") {
		t.Error("Detailed error should contain severity")
	}
	if !strings.Contains(result, "Timeout Error") {
		t.Error("Detailed error should contain error type")
	}
	if !strings.Contains(result, "request exceeded deadline") {
		t.Error("Detailed error should contain message")
	}
	if !strings.Contains(result, "attempts=3") {
		t.Error("Detailed error should contain context")
	}
	if !strings.Contains(result, "Suggestion:") {
		t.Error("Detailed error should contain suggestion")
	}
	if !strings.Contains(result, ".out.chunk0") {
		t.Error("Path should be present (possibly redacted) in detailed error")
	}
}

func TestDownloadError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := WrapDownloadError(ErrNetwork, "segment fetch failed", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

func TestDownloadError_IsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		code      ErrorCode
		retryable bool
	}{
		{"http_status", ErrHttpStatus, true},
		{"network", ErrNetwork, true},
		{"timeout", ErrTimeout, true},
		{"incomplete_segment", ErrIncompleteSegment, true},
		{"invalid_size", ErrInvalidSize, false},
		{"range_not_supported", ErrRangeNotSupported, false},
		{"breaker_open", ErrBreakerOpen, false},
		{"file_io", ErrFileIO, false},
		{"size_mismatch", ErrSizeMismatch, false},
		{"aborted", ErrAborted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewDownloadError(tt.code, "test")
			if got := err.IsRetryable(); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v for code %v", got, tt.retryable, tt.code)
			}
		})
	}
}

func TestDownloadError_IsCritical(t *testing.T) {
	if !NewDownloadError(ErrBreakerOpen, "open").IsCritical() {
		t.Error("BreakerOpen should be critical")
	}
	if NewDownloadError(ErrTimeout, "timeout").IsCritical() {
		t.Error("Timeout should not be critical")
	}
}

func TestErrorCode_String(t *testing.T) {
	tests := []struct {
		code     ErrorCode
		expected string
	}{
		{ErrInvalidSize, "InvalidSize"},
		{ErrRangeNotSupported, "RangeNotSupported"},
		{ErrBreakerOpen, "BreakerOpen"},
		{ErrHttpStatus, "HttpStatus"},
		{ErrNetwork, "Network"},
		{ErrTimeout, "Timeout"},
		{ErrIncompleteSegment, "IncompleteSegment"},
		{ErrFileIO, "FileIO"},
		{ErrSizeMismatch, "SizeMismatch"},
		{ErrAborted, "Aborted"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if result := tt.code.String(); result != tt.expected {
				t.Errorf("ErrorCode.String() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestErrorSeverity_String(t *testing.T) {
	tests := []struct {
		severity ErrorSeverity
		expected string
	}{
		{SeverityInfo, "INFO"},
		{SeverityWarning, "WARNING"},
		{SeverityError, "ERROR"},
		{SeverityCritical, "CRITICAL"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if result := tt.severity.String(); result != tt.expected {
				t.Errorf("ErrorSeverity.String() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestValidationError_Error(t *testing.T) {
	err := NewValidationError("max_concurrent_segments", "must be at least 2").
		WithSuggestion("use a value >= 2")

	result := err.Error()

	if !strings.Contains(result, "validation error for max_concurrent_segments") {
		t.Error("Error should contain field name")
	}
	if !strings.Contains(result, "must be at least 2") {
		t.Error("Error should contain message")
	}
	if !strings.Contains(result, "Suggestion:") {
		t.Error("Error should contain suggestion")
	}
}

func TestValidationError_DetailedError(t *testing.T) {
	err := NewValidationErrorWithValue("max_concurrent_segments", "must be between 2 and 32", 64).
		WithSuggestion("use a value between 2 and 32").
		WithContext("max_allowed", 32).
		WithContext("min_allowed", 2)

	result := err.DetailedError()

	if !strings.Contains(result, "Validation Error for field 'max_concurrent_segments'") {
		t.Error("Detailed error should contain field name")
	}
	if !strings.Contains(result, "Provided value: 64") {
		t.Error("Detailed error should contain provided value")
	}
	if !strings.Contains(result, "max_allowed=32") {
		t.Error("Detailed error should contain context")
	}
	if !strings.Contains(result, "Suggestion:") {
		t.Error("Detailed error should contain suggestion")
	}
}

func TestCommonErrorConstructors(t *testing.T) {
	t.Run("NewInvalidSizeError", func(t *testing.T) {
		err := NewInvalidSizeError(-1)
		if err.Code != ErrInvalidSize {
			t.Error("Should create InvalidSize error")
		}
	})

	t.Run("NewRangeNotSupportedError", func(t *testing.T) {
		err := NewRangeNotSupportedError("https://example.com/file.bin")
		if err.Code != ErrRangeNotSupported {
			t.Error("Should create RangeNotSupported error")
		}
		if err.Context["url"] == nil {
			t.Error("Should set URL context")
		}
	})

	t.Run("NewBreakerOpenError", func(t *testing.T) {
		err := NewBreakerOpenError("example.com")
		if err.Code != ErrBreakerOpen {
			t.Error("Should create BreakerOpen error")
		}
	})

	t.Run("NewHttpStatusError", func(t *testing.T) {
		err := NewHttpStatusError(500)
		if err.StatusCode != 500 {
			t.Error("Should set status code")
		}
	})

	t.Run("NewIncompleteSegmentError", func(t *testing.T) {
		err := NewIncompleteSegmentError(2, 100, 200)
		if err.Code != ErrIncompleteSegment {
			t.Error("Should create IncompleteSegment error")
		}
	})

	t.Run("NewFileIOError", func(t *testing.T) {
		err := NewFileIOError("open", "/tmp/.out.chunk0", errors.New("permission denied"))
		if err.Op != "open" || err.Path != "/tmp/.out.chunk0" {
			t.Error("Should record op and path")
		}
	})

	t.Run("NewSizeMismatchError", func(t *testing.T) {
		err := NewSizeMismatchError(99, 100)
		if err.Code != ErrSizeMismatch {
			t.Error("Should create SizeMismatch error")
		}
	})
}

func TestDefaultSeverity(t *testing.T) {
	tests := []struct {
		code     ErrorCode
		severity ErrorSeverity
	}{
		{ErrNetwork, SeverityWarning},
		{ErrTimeout, SeverityWarning},
		{ErrIncompleteSegment, SeverityWarning},
		{ErrInvalidSize, SeverityError},
		{ErrHttpStatus, SeverityError},
		{ErrBreakerOpen, SeverityCritical},
		{ErrFileIO, SeverityCritical},
		{ErrSizeMismatch, SeverityCritical},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			if got := defaultSeverity(tt.code); got != tt.severity {
				t.Errorf("defaultSeverity(%v) = %v, want %v", tt.code, got, tt.severity)
			}
		})
	}
}

func TestRedactPath(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"nested_path", "/home/user/downloads/.file.chunk0", ".../.file.chunk0"},
		{"bare_name", "file.bin", "file.bin"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := redactPath(tt.input); result != tt.expected {
				t.Errorf("redactPath() = %q, want %q", result, tt.expected)
			}
		})
	}
}
