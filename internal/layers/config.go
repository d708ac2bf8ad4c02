package layers

import (
	"encoding/json"

	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
)

// Envelope is the serialized form of a layer.
type Envelope struct {
	ClassName string          `json:"class_name"` // Layer kind, e.g. "RoiAlign"
	Name      string          `json:"name"`       // Instance name
	Config    json.RawMessage `json:"config"`     // Output of GetConfig
}

// Serialize encodes a layer's class name, instance name and configuration as
// JSON. Learned parameters are not included.
func Serialize[B tensor.Backend](layer Layer[B]) ([]byte, error) {
	cfg, err := json.Marshal(layer.GetConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "serialize %s", layer.ClassName())
	}
	return json.Marshal(Envelope{
		ClassName: layer.ClassName(),
		Name:      layer.Name(),
		Config:    cfg,
	})
}

// Deserialize rebuilds a layer from the output of Serialize. The backend
// initialises parameterised layers.
func Deserialize[B tensor.Backend](data []byte, backend B) (Layer[B], error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "deserialize layer")
	}
	if len(env.Config) == 0 {
		env.Config = json.RawMessage("{}")
	}

	switch env.ClassName {
	case "Anchors":
		var cfg AnchorsConfig
		if err := decode(env, &cfg); err != nil {
			return nil, err
		}
		return checked[B](NewAnchors[B](cfg))
	case "RegressBoxes":
		var cfg RegressBoxesConfig
		if err := decode(env, &cfg); err != nil {
			return nil, err
		}
		return checked[B](NewRegressBoxes[B](cfg))
	case "ClipBoxes":
		var cfg ClipBoxesConfig
		if err := decode(env, &cfg); err != nil {
			return nil, err
		}
		return checked[B](NewClipBoxes[B](cfg))
	case "ConcatenateBoxes":
		return NewConcatenateBoxes[B](env.Name), nil
	case "ConcatenateBoxesMasks":
		return NewConcatenateBoxesMasks[B](env.Name), nil
	case "RoiAlign":
		var cfg RoiAlignConfig
		if err := decode(env, &cfg); err != nil {
			return nil, err
		}
		return checked[B](NewRoiAlign[B](cfg))
	case "UpsampleLike":
		var cfg UpsampleLikeConfig
		if err := decode(env, &cfg); err != nil {
			return nil, err
		}
		return checked[B](NewUpsampleLike[B](cfg))
	case "TensorProduct":
		var cfg TensorProductConfig
		if err := decode(env, &cfg); err != nil {
			return nil, err
		}
		return checked[B](NewTensorProduct(cfg, backend))
	case "ImageNormalization2D":
		var cfg ImageNormalization2DConfig
		if err := decode(env, &cfg); err != nil {
			return nil, err
		}
		return checked[B](NewImageNormalization2D[B](cfg))
	case "BatchNormalization":
		var cfg BatchNormalizationConfig
		if err := decode(env, &cfg); err != nil {
			return nil, err
		}
		return checked[B](NewBatchNormalization(cfg, backend))
	case "FilterDetections":
		var cfg FilterDetectionsConfig
		if err := decode(env, &cfg); err != nil {
			return nil, err
		}
		return checked[B](NewFilterDetections[B](cfg))
	case "Shape":
		return NewShapeOf[B](env.Name), nil
	default:
		return nil, errors.Wrapf(ErrInvalidConfig, "unknown layer class %q", env.ClassName)
	}
}

func decode(env Envelope, cfg any) error {
	if err := json.Unmarshal(env.Config, cfg); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "%s config: %v", env.ClassName, err)
	}
	return nil
}

// checked drops the typed nil a failed constructor returns.
func checked[B tensor.Backend](layer Layer[B], err error) (Layer[B], error) {
	if err != nil {
		return nil, err
	}
	return layer, nil
}
