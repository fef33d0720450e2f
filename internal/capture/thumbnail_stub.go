//go:build !govips || !cgo

package capture

func Startup() error {
	return nil
}

func Shutdown() {}

func NewThumbnailer() Thumbnailer {
	return StdThumbnailer{}
}
