package handlers

// NewBuiltinRegistry returns a registry holding the built-in file and directory
// handlers. sources may be nil.
func NewBuiltinRegistry(sources *Sources) *Registry {
	r := NewRegistry()
	// Registration into an empty registry with distinct names cannot fail.
	_ = r.RegisterBuiltin(NewFileHandler(sources))
	_ = r.RegisterBuiltin(NewDirectoryHandler())
	return r
}
