package audio

import "fmt"

// Session-wide capture format. The streaming protocol bindings assume this
// format; changing it requires renegotiating every vendor session config.
const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16

	// ChunkMs is the nominal duration of one engine-facing audio chunk.
	ChunkMs    = 200
	ChunkBytes = SampleRate * Channels * (BitsPerSample / 8) * ChunkMs / 1000
)

type DataCallback func(data []byte, frameCount uint32)

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	DeviceName() string
}

// FindDevice resolves a device by name, nil meaning the system default.
func FindDevice(ctx Context, name string) (*DeviceInfo, error) {
	if name == "" {
		return nil, nil
	}
	devices, err := ctx.Devices()
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if devices[i].Name == name {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("capture device %q not found", name)
}
