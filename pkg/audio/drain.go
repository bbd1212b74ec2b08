package audio

// Drain reads from ch until it is closed, discarding every value. Playback
// uses it after cancelling synthesis so the provider goroutines can exit.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
