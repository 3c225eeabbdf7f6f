package upload

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// MaxFileNameLength is the common filesystem limit for a single name.
const MaxFileNameLength = 255

// handlePattern constrains session handles to hex as produced by NewHandle.
var handlePattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ValidateHandle checks that a handle looks like one we issued.
func ValidateHandle(handle string) error {
	if handle == "" {
		return errors.New("handle is empty")
	}
	if !handlePattern.MatchString(handle) {
		return errors.New("handle is malformed")
	}
	return nil
}

// SanitizeFileName validates a declared file name before it is used to
// build a path in the final namespace. Declared names never carry path
// structure, so anything that looks like it does is rejected outright
// rather than cleaned up.
func SanitizeFileName(name string) (string, error) {
	if name == "" {
		return "", errors.New("empty filename")
	}

	if strings.ContainsAny(name, "/\\") {
		return "", errors.New("filename contains path separators")
	}

	if strings.Contains(name, "\x00") {
		return "", errors.New("filename contains null bytes")
	}

	// ".." is refused anywhere, not just as a full segment.
	if strings.Contains(name, "..") {
		return "", errors.New("filename contains directory traversal sequence")
	}

	cleaned := filepath.Base(filepath.Clean(name))

	// If normalization altered the name, the input was not a plain name.
	if cleaned != name {
		return "", fmt.Errorf("filename normalization changed input: %q -> %q", name, cleaned)
	}

	if cleaned == "" || cleaned == "." || cleaned == ".." {
		return "", errors.New("invalid filename")
	}

	for _, r := range cleaned {
		if r < 32 || r == 0x7F {
			return "", errors.New("filename contains control characters")
		}
	}

	if strings.TrimSpace(cleaned) == "" {
		return "", errors.New("filename is only whitespace")
	}

	if len(cleaned) > MaxFileNameLength {
		return "", fmt.Errorf("filename too long (max %d bytes)", MaxFileNameLength)
	}

	return cleaned, nil
}

// FindUniqueFileName returns a path in dir that does not collide with an
// existing final object, suffixing the base name with a counter when the
// declared name is already taken.
func FindUniqueFileName(dir, name string) string {
	name, err := SanitizeFileName(name)
	if err != nil {
		name = fmt.Sprintf("upload_%d", time.Now().UnixNano())
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}

	for i := 1; i < 1000; i++ {
		path = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, i, ext))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
	}

	// A timestamp breaks the tie when the counter space is exhausted.
	return filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, time.Now().UnixNano(), ext))
}
