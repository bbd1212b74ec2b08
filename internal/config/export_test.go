package config

// Watching is closed once w.Run has registered the config directory.
func Watching(w *Watcher) <-chan struct{} { return w.watching }
