package detector

import (
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/nvr-ai/intrusion-warning/config"
)

// ProviderBackend names an ONNX Runtime execution provider.
type ProviderBackend string

const (
	CPUProviderBackend      ProviderBackend = "cpu"
	CUDAProviderBackend     ProviderBackend = "cuda"
	CoreMLProviderBackend   ProviderBackend = "coreml"
	OpenVINOProviderBackend ProviderBackend = "openvino"
)

// ParseProvider maps a configured provider name to a backend. An empty name
// selects the CPU.
func ParseProvider(name string) (ProviderBackend, error) {
	switch p := ProviderBackend(name); p {
	case "":
		return CPUProviderBackend, nil
	case CPUProviderBackend, CUDAProviderBackend, CoreMLProviderBackend, OpenVINOProviderBackend:
		return p, nil
	default:
		return "", errors.Errorf("unknown execution provider %q", name)
	}
}

// sessionOptions builds the ONNX Runtime options for the configured provider.
// A provider that fails to attach is logged and inference falls back to the CPU.
//
// The caller must Destroy the returned options.
func sessionOptions(conf config.DetectorConfig) (*ort.SessionOptions, error) {
	backend, err := ParseProvider(conf.Provider)
	if err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "session options")
	}

	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		options.Destroy()
		return nil, errors.Wrap(err, "set graph optimization level")
	}
	if conf.Threads > 0 {
		if err := options.SetIntraOpNumThreads(conf.Threads); err != nil {
			options.Destroy()
			return nil, errors.Wrap(err, "set intra op threads")
		}
	}

	if err := appendProvider(options, backend, conf.ProviderOptions); err != nil {
		log.WithError(err).WithField("provider", backend).Warn("execution provider unavailable, using cpu")
	}
	return options, nil
}

func appendProvider(options *ort.SessionOptions, backend ProviderBackend, settings map[string]string) error {
	switch backend {
	case CUDAProviderBackend:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return err
		}
		defer cuda.Destroy()
		if len(settings) > 0 {
			if err := cuda.Update(settings); err != nil {
				return err
			}
		}
		return options.AppendExecutionProviderCUDA(cuda)

	case CoreMLProviderBackend:
		var flags uint32
		if v, ok := settings["flags"]; ok {
			parsed, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return errors.Wrap(err, "coreml flags")
			}
			flags = uint32(parsed)
		}
		return options.AppendExecutionProviderCoreML(flags)

	case OpenVINOProviderBackend:
		if settings == nil {
			settings = map[string]string{}
		}
		return options.AppendExecutionProviderOpenVINO(settings)
	}
	return nil
}
