package docstore

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// characters with meaning in gjson/sjson path syntax
const reservedPathCharacters = "*?#|@\\:"

// ValidatePath rejects paths that gjson or sjson would interpret as syntax.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	if strings.ContainsAny(path, reservedPathCharacters) {
		return fmt.Errorf("%w: %q contains reserved characters", ErrInvalidPath, path)
	}
	for _, segment := range strings.Split(path, ".") {
		if segment == "" {
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, path)
		}
	}
	return nil
}

// PickPaths returns a document holding only the listed dotted paths that
// exist in document.
func PickPaths(document Document, paths []string) (Document, error) {
	source, err := encodeDocument(document)
	if err != nil {
		return nil, err
	}
	picked := []byte("{}")
	for _, path := range paths {
		if err := ValidatePath(path); err != nil {
			return nil, err
		}
		result := gjson.GetBytes(source, path)
		if !result.Exists() {
			continue
		}
		picked, err = sjson.SetRawBytes(picked, path, []byte(result.Raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
		}
	}
	return decodeDocument(picked)
}

// SetPath returns a copy of document with value stored at path.
func SetPath(document Document, path string, value any) (Document, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	source, err := encodeDocument(document)
	if err != nil {
		return nil, err
	}
	updated, err := sjson.SetBytes(source, path, value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	return decodeDocument(updated)
}

// DeletePath returns a copy of document without path.
func DeletePath(document Document, path string) (Document, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	source, err := encodeDocument(document)
	if err != nil {
		return nil, err
	}
	updated, err := sjson.DeleteBytes(source, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	return decodeDocument(updated)
}
