//go:build nogst

package session

import "github.com/wilsonzlin/meetflow/internal/compositor"

func peerCompositorBackend() (compositor.Backend, bool) {
	return compositor.RawBackend{}, false
}
