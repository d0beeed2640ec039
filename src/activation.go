package advflow

import "math"

// Activation represents an activation function
type Activation interface {
	forward(x *tensor, out *tensor)
	backward(x *tensor, gradOut *tensor, gradIn *tensor)
	name() string
}

// ReLUActivation - Rectified Linear Unit
type ReLUActivation struct{}

func ReLU() Activation { return &ReLUActivation{} }

func (r *ReLUActivation) forward(x *tensor, out *tensor) {
	for i, v := range x.data {
		if v > 0 {
			out.data[i] = v
		} else {
			out.data[i] = 0
		}
	}
}

func (r *ReLUActivation) backward(x *tensor, gradOut *tensor, gradIn *tensor) {
	for i, v := range x.data {
		if v > 0 {
			gradIn.data[i] = gradOut.data[i]
		} else {
			gradIn.data[i] = 0
		}
	}
}

func (r *ReLUActivation) name() string { return "relu" }

// TanhActivation
type TanhActivation struct{}

func Tanh() Activation { return &TanhActivation{} }

func (t *TanhActivation) forward(x *tensor, out *tensor) {
	for i, v := range x.data {
		out.data[i] = math.Tanh(v)
	}
}

func (t *TanhActivation) backward(x *tensor, gradOut *tensor, gradIn *tensor) {
	for i, v := range x.data {
		th := math.Tanh(v)
		gradIn.data[i] = gradOut.data[i] * (1 - th*th)
	}
}

func (t *TanhActivation) name() string { return "tanh" }

// SoftmaxActivation - operates on last dimension
type SoftmaxActivation struct{}

func Softmax() Activation { return &SoftmaxActivation{} }

func (s *SoftmaxActivation) forward(x *tensor, out *tensor) {
	if len(x.shape) == 1 {
		maxV := maxVal(x)
		sum := 0.0
		for i, v := range x.data {
			out.data[i] = math.Exp(v - maxV)
			sum += out.data[i]
		}
		for i := range out.data {
			out.data[i] /= sum
		}
		return
	}
	rows := x.shape[0]
	cols := x.shape[1]
	for r := 0; r < rows; r++ {
		maxV := x.data[r*cols]
		for c := 1; c < cols; c++ {
			if x.data[r*cols+c] > maxV {
				maxV = x.data[r*cols+c]
			}
		}
		sum := 0.0
		for c := 0; c < cols; c++ {
			out.data[r*cols+c] = math.Exp(x.data[r*cols+c] - maxV)
			sum += out.data[r*cols+c]
		}
		for c := 0; c < cols; c++ {
			out.data[r*cols+c] /= sum
		}
	}
}

func (s *SoftmaxActivation) backward(x *tensor, gradOut *tensor, gradIn *tensor) {
	// For cross-entropy loss the gradient simplifies to (softmax - target),
	// which the loss provides directly, so softmax passes it through.
	copy(gradIn.data, gradOut.data)
}

func (s *SoftmaxActivation) name() string { return "softmax" }

// LinearActivation - no-op, identity function
type LinearActivation struct{}

func Linear() Activation { return &LinearActivation{} }

func (l *LinearActivation) forward(x *tensor, out *tensor) {
	copy(out.data, x.data)
}

func (l *LinearActivation) backward(x *tensor, gradOut *tensor, gradIn *tensor) {
	copy(gradIn.data, gradOut.data)
}

func (l *LinearActivation) name() string { return "linear" }
