package gnn

import (
	"fmt"
	"math"
)

// ActivationType defines the activation function used in a layer
type ActivationType int

const (
	ActivationScaledReLU ActivationType = 0 // v * 1.1, then ReLU
	ActivationSigmoid    ActivationType = 1 // 1 / (1 + exp(-v))
	ActivationTanh       ActivationType = 2 // tanh(v)
	ActivationSoftplus   ActivationType = 3 // log(1 + exp(v))
	ActivationLeakyReLU  ActivationType = 4 // v if v >= 0, else v * 0.1
	ActivationReLU       ActivationType = 5 // max(0, v)
	ActivationIdentity   ActivationType = 6
)

func ParseActivation(s string) (ActivationType, error) {
	switch s {
	case "scaled_relu":
		return ActivationScaledReLU, nil
	case "sigmoid":
		return ActivationSigmoid, nil
	case "tanh":
		return ActivationTanh, nil
	case "softplus":
		return ActivationSoftplus, nil
	case "lrelu", "leaky_relu":
		return ActivationLeakyReLU, nil
	case "relu":
		return ActivationReLU, nil
	case "identity", "none":
		return ActivationIdentity, nil
	}
	return 0, fmt.Errorf("unknown activation %q", s)
}

func activate(v float64, activation ActivationType) float64 {
	switch activation {
	case ActivationScaledReLU:
		v = v * 1.1
		if v < 0 {
			v = 0
		}
		return v
	case ActivationSigmoid:
		return 1.0 / (1.0 + math.Exp(-v))
	case ActivationTanh:
		return math.Tanh(v)
	case ActivationSoftplus:
		return math.Log1p(math.Exp(v))
	case ActivationLeakyReLU:
		if v < 0 {
			v = v * 0.1
		}
		return v
	case ActivationReLU:
		if v < 0 {
			return 0
		}
		return v
	default:
		return v
	}
}

// activateDerivative is taken with respect to the PRE-activation value
func activateDerivative(preActivation float64, activation ActivationType) float64 {
	switch activation {
	case ActivationScaledReLU:
		if preActivation > 0 {
			return 1.1
		}
		return 0
	case ActivationSigmoid:
		sig := 1.0 / (1.0 + math.Exp(-preActivation))
		return sig * (1.0 - sig)
	case ActivationTanh:
		t := math.Tanh(preActivation)
		return 1.0 - t*t
	case ActivationSoftplus:
		return 1.0 / (1.0 + math.Exp(-preActivation))
	case ActivationLeakyReLU:
		if preActivation >= 0 {
			return 1.0
		}
		return 0.1
	case ActivationReLU:
		if preActivation > 0 {
			return 1.0
		}
		return 0
	default:
		return 1.0
	}
}
