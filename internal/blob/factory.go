package blob

import "fmt"

// New constructs the Store for the configured backend. localRoot is only
// consulted when backend is "local"; accountURL/container only when it's
// "azure".
func New(backend, localRoot, accountURL, container string) (Store, error) {
	switch backend {
	case "", "local":
		return NewLocalStore(localRoot)
	case "azure":
		return NewAzureStore(accountURL, container)
	default:
		return nil, fmt.Errorf("blob: unknown backend %q", backend)
	}
}
