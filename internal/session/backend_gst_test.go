//go:build !nogst

package session

import (
	"github.com/wilsonzlin/meetflow/internal/compositor"
	"github.com/wilsonzlin/meetflow/internal/compositor/gstbackend"
)

// peerCompositorBackend reports whether the backend can compose the encoded
// media a peer connection delivers.
func peerCompositorBackend() (compositor.Backend, bool) {
	return gstbackend.Backend{}, true
}
