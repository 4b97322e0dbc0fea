package ports

// Keyring abstracts the OS credential store so secrets sent to a child
// process never have to live in script files.
type Keyring interface {
	// Get returns the secret stored for service and user.
	Get(service, user string) (string, error)
}
