//go:build !uring

package event

import "fmt"

// NewUringSource is available when built with -tags uring.
func NewUringSource(receiver Receiver) (Source, error) {
	return nil, fmt.Errorf("io_uring backend not enabled; build with -tags uring")
}
