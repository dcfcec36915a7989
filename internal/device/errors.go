package device

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Domain errors for the device package.
//
// Every error returned by the Service wraps exactly one of the kinds below,
// so callers can branch with errors.Is:
//
//	if errors.Is(err, device.ErrNotFound) {
//	    // 404
//	}
var (
	// ErrNotFound is returned when a device, template or attribute label does not exist.
	ErrNotFound = errors.New("device: not found")

	// ErrInvalidArgument is returned for malformed input: a bad count, an
	// out-of-range key length, verbose with count > 1, an unknown configure
	// attribute.
	ErrInvalidArgument = errors.New("device: invalid argument")

	// ErrAttributeConflict is returned when the merged attribute set of a
	// device holds the same label more than once.
	ErrAttributeConflict = errors.New("device: attribute conflict")

	// ErrIDGenerationExhausted is returned when no free device id was found
	// within the retry budget.
	ErrIDGenerationExhausted = errors.New("device: id generation exhausted")

	// ErrConflict is returned when a concurrent write collides with this one.
	ErrConflict = errors.New("device: conflict")

	// ErrLabelInUse is returned when another device of the tenant has the label.
	ErrLabelInUse = fmt.Errorf("%w: label already in use", ErrConflict)

	// ErrDeviceExists is returned when creating a device with an id that is taken.
	ErrDeviceExists = fmt.Errorf("%w: device already exists", ErrConflict)
)

// Stable kind names reported by Kind.
const (
	KindNotFound              = "NotFound"
	KindInvalidArgument       = "InvalidArgument"
	KindAttributeConflict     = "AttributeConflict"
	KindIDGenerationExhausted = "IdGenerationExhausted"
	KindConflict              = "Conflict"
	KindInternal              = "Internal"
)

// Kind maps an error to its stable kind name. Errors outside the device
// taxonomy (storage failures, timeouts) report KindInternal.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	case errors.Is(err, ErrAttributeConflict):
		return KindAttributeConflict
	case errors.Is(err, ErrIDGenerationExhausted):
		return KindIDGenerationExhausted
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindInternal
	}
}

// AttributeConflictError lists every label that appears more than once in
// a device's merged attribute set, with the sources that contributed it.
type AttributeConflictError struct {
	// Labels is sorted.
	Labels []string

	// Sources maps each label to the template ids (or LocalAttrsKey)
	// that define it, in resolution order.
	Sources map[string][]string
}

func newAttributeConflictError(sources map[string][]string) *AttributeConflictError {
	conflict := &AttributeConflictError{Sources: make(map[string][]string)}
	for label, from := range sources {
		if len(from) > 1 {
			conflict.Labels = append(conflict.Labels, label)
			conflict.Sources[label] = from
		}
	}
	if len(conflict.Labels) == 0 {
		return nil
	}
	sort.Strings(conflict.Labels)
	return conflict
}

func (e *AttributeConflictError) Error() string {
	parts := make([]string, 0, len(e.Labels))
	for _, label := range e.Labels {
		parts = append(parts, fmt.Sprintf("%q (%s)", label, strings.Join(e.Sources[label], ", ")))
	}
	return "device: attribute conflict: " + strings.Join(parts, "; ")
}

// Is reports whether target is ErrAttributeConflict.
func (e *AttributeConflictError) Is(target error) bool {
	return target == ErrAttributeConflict
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
