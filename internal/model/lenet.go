package model

import (
	"math/rand"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"lenet-forge/internal/tensor"
)

// InputShape is the per-sample image shape LeNet5 accepts.
var InputShape = tensor.Shape{1, 28, 28}

// Parameter indices, in the order Params returns them.
const (
	pConv1W = iota
	pConv1B
	pConv2W
	pConv2B
	pConv3W
	pConv3B
	pFC1W
	pFC1B
	pFC2W
	pFC2B
	numParams
)

// LeNet5 is conv+tanh+pool, conv+tanh+pool, conv, flatten, linear+tanh+linear.
// The stages are fixed at construction; ForwardBackward is not safe for
// concurrent use.
type LeNet5 struct {
	conv1 *Conv2D
	pool1 *AvgPool2D
	conv2 *Conv2D
	pool2 *AvgPool2D
	conv3 *Conv2D
	fc1   *Linear
	fc2   *Linear

	params []*Param
	graph  []StageInfo
}

// trace keeps the activations of one forward pass for back-propagation.
type trace struct {
	x              *tensor.Tensor
	c1, a1, p1     *tensor.Tensor
	c2, a2, p2     *tensor.Tensor
	c3, flat       *tensor.Tensor
	h1, a3, scores *tensor.Tensor
}

// NewLeNet5 builds the network and draws initial weights from rng.
func NewLeNet5(rng *rand.Rand) (*LeNet5, error) {
	m := &LeNet5{}
	shape := InputShape
	stage := func(name, kind string, out tensor.Shape, params ...*Param) {
		count := 0
		for _, p := range params {
			count += p.Value.Shape.Size()
		}
		m.graph = append(m.graph, StageInfo{Name: name, Kind: kind, In: shape, Out: out, Params: count})
		shape = out
	}

	var out tensor.Shape
	var err error
	if m.conv1, out, err = newConv2D("conv1", shape, 6, 5, 1, 2); err != nil {
		return nil, err
	}
	stage("conv1", "Conv2D", out, m.conv1.Weight, m.conv1.Bias)
	stage("tanh1", "Tanh", shape)
	if m.pool1, out, err = newAvgPool2D("pool1", shape, 2, 2); err != nil {
		return nil, err
	}
	stage("pool1", "AvgPool2D", out)

	if m.conv2, out, err = newConv2D("conv2", shape, 16, 5, 1, 0); err != nil {
		return nil, err
	}
	stage("conv2", "Conv2D", out, m.conv2.Weight, m.conv2.Bias)
	stage("tanh2", "Tanh", shape)
	if m.pool2, out, err = newAvgPool2D("pool2", shape, 2, 2); err != nil {
		return nil, err
	}
	stage("pool2", "AvgPool2D", out)

	if m.conv3, out, err = newConv2D("conv3", shape, 120, 5, 1, 0); err != nil {
		return nil, err
	}
	stage("conv3", "Conv2D", out, m.conv3.Weight, m.conv3.Bias)
	stage("flatten", "Flatten", tensor.Shape{shape.Size()})

	if m.fc1, out, err = newLinear("fc1", shape, 84); err != nil {
		return nil, err
	}
	stage("fc1", "Linear", out, m.fc1.Weight, m.fc1.Bias)
	stage("tanh3", "Tanh", shape)
	if m.fc2, out, err = newLinear("fc2", shape, NumClasses); err != nil {
		return nil, err
	}
	stage("fc2", "Linear", out, m.fc2.Weight, m.fc2.Bias)

	if !shape.Equal(tensor.Shape{NumClasses}) {
		return nil, errors.Wrapf(tensor.ErrShape, "lenet5: output %s, want [%d]", shape, NumClasses)
	}

	m.params = []*Param{
		m.conv1.Weight, m.conv1.Bias,
		m.conv2.Weight, m.conv2.Bias,
		m.conv3.Weight, m.conv3.Bias,
		m.fc1.Weight, m.fc1.Bias,
		m.fc2.Weight, m.fc2.Bias,
	}
	uniformInit(rng, m.conv1.geom.patchSize, m.conv1.Weight, m.conv1.Bias)
	uniformInit(rng, m.conv2.geom.patchSize, m.conv2.Weight, m.conv2.Bias)
	uniformInit(rng, m.conv3.geom.patchSize, m.conv3.Weight, m.conv3.Bias)
	uniformInit(rng, m.fc1.In, m.fc1.Weight, m.fc1.Bias)
	uniformInit(rng, m.fc2.In, m.fc2.Weight, m.fc2.Bias)
	return m, nil
}

// Params returns the learnable parameters in a fixed order.
func (m *LeNet5) Params() []*Param { return m.params }

// Graph describes the stages in execution order.
func (m *LeNet5) Graph() []StageInfo { return append([]StageInfo(nil), m.graph...) }

// NumParams is the total number of learnable scalars.
func (m *LeNet5) NumParams() int {
	n := 0
	for _, p := range m.params {
		n += p.Value.Shape.Size()
	}
	return n
}

// ZeroGrad clears all accumulated gradients.
func (m *LeNet5) ZeroGrad() {
	for _, p := range m.params {
		p.Grad.Zero()
	}
}

func checkImages(images *tensor.Tensor) error {
	if images == nil || images.Rank() != 4 || images.Dim(0) == 0 || !tensor.Shape(images.Shape[1:]).Equal(InputShape) {
		var got tensor.Shape
		if images != nil {
			got = images.Shape
		}
		return errors.Wrapf(tensor.ErrShape, "lenet5: want images [N,%d,%d,%d], got %s",
			InputShape[0], InputShape[1], InputShape[2], got)
	}
	return nil
}

// Forward computes class scores [N,10] for images [N,1,28,28].
func (m *LeNet5) Forward(images *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkImages(images); err != nil {
		return nil, err
	}
	return m.forward(images).scores, nil
}

func (m *LeNet5) forward(x *tensor.Tensor) *trace {
	t := &trace{x: x}
	t.c1 = m.conv1.forward(x)
	t.a1 = tanhForward(t.c1)
	t.p1 = m.pool1.forward(t.a1)
	t.c2 = m.conv2.forward(t.p1)
	t.a2 = tanhForward(t.c2)
	t.p2 = m.pool2.forward(t.a2)
	t.c3 = m.conv3.forward(t.p2)
	t.flat = &tensor.Tensor{Shape: tensor.Shape{x.Dim(0), t.c3.Shape[1:].Size()}, Data: t.c3.Data}
	t.h1 = m.fc1.forward(t.flat)
	t.a3 = tanhForward(t.h1)
	t.scores = m.fc2.forward(t.a3)
	return t
}

// backward propagates gScores through the trace, accumulating into grads,
// which is indexed like Params.
func (m *LeNet5) backward(t *trace, gScores *tensor.Tensor, grads [][]float64) {
	ga3 := m.fc2.backward(t.a3, gScores, grads[pFC2W], grads[pFC2B])
	gh1 := tanhBackward(t.a3, ga3)
	gflat := m.fc1.backward(t.flat, gh1, grads[pFC1W], grads[pFC1B])
	gc3 := &tensor.Tensor{Shape: t.c3.Shape, Data: gflat.Data}
	gp2 := m.conv3.backward(t.p2, gc3, grads[pConv3W], grads[pConv3B], true)
	ga2 := m.pool2.backward(gp2)
	gc2 := tanhBackward(t.a2, ga2)
	gp1 := m.conv2.backward(t.p1, gc2, grads[pConv2W], grads[pConv2B], true)
	ga1 := m.pool1.backward(gp1)
	gc1 := tanhBackward(t.a1, ga1)
	m.conv1.backward(t.x, gc1, grads[pConv1W], grads[pConv1B], false)
}

// ForwardBackward zeroes gradients, scores the batch, computes the mean
// cross-entropy loss and back-propagates it into every Param.Grad. With
// workers > 1 the batch is split into contiguous sub-batches computed in
// parallel; their gradients are summed in sub-batch order.
func (m *LeNet5) ForwardBackward(images *tensor.Tensor, labels []int, workers int) (StepOutput, error) {
	if err := checkImages(images); err != nil {
		return StepOutput{}, err
	}
	n := images.Dim(0)
	if len(labels) != n {
		return StepOutput{}, errors.Wrapf(tensor.ErrShape, "lenet5: %d labels for %d images", len(labels), n)
	}
	for i, l := range labels {
		if l < 0 || l >= NumClasses {
			return StepOutput{}, errors.Errorf("lenet5: label %d at %d outside [0,%d)", l, i, NumClasses)
		}
	}

	m.ZeroGrad()
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}

	if workers == 1 {
		grads := make([][]float64, numParams)
		for i, p := range m.params {
			grads[i] = p.Grad.Data
		}
		t := m.forward(images)
		lossSum, gScores := softmaxCrossEntropy(t.scores, labels, n)
		m.backward(t, gScores, grads)
		return StepOutput{Scores: t.scores, Loss: lossSum / float64(n)}, nil
	}

	chunk := (n + workers - 1) / workers
	type part struct {
		from, to int
		scores   *tensor.Tensor
		lossSum  float64
		grads    [][]float64
	}
	var parts []*part
	for from := 0; from < n; from += chunk {
		to := min(from+chunk, n)
		pt := &part{from: from, to: to, grads: make([][]float64, numParams)}
		for i, p := range m.params {
			pt.grads[i] = make([]float64, len(p.Grad.Data))
		}
		parts = append(parts, pt)
	}

	var g errgroup.Group
	for _, pt := range parts {
		g.Go(func() error {
			t := m.forward(images.Slice(pt.from, pt.to))
			var gScores *tensor.Tensor
			pt.lossSum, gScores = softmaxCrossEntropy(t.scores, labels[pt.from:pt.to], n)
			m.backward(t, gScores, pt.grads)
			pt.scores = t.scores
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return StepOutput{}, err
	}

	scores := tensor.New(n, NumClasses)
	lossSum := 0.0
	for _, pt := range parts {
		copy(scores.Data[pt.from*NumClasses:pt.to*NumClasses], pt.scores.Data)
		lossSum += pt.lossSum
		for i, p := range m.params {
			dst := p.Grad.Data
			for j, v := range pt.grads[i] {
				dst[j] += v
			}
		}
	}
	return StepOutput{Scores: scores, Loss: lossSum / float64(n)}, nil
}

// StateDict returns the parameters by name, sharing their storage.
func (m *LeNet5) StateDict() []tensor.Named {
	out := make([]tensor.Named, len(m.params))
	for i, p := range m.params {
		out[i] = tensor.Named{Name: p.Name, Tensor: p.Value}
	}
	return out
}

// LoadStateDict copies values into the parameters. Every parameter must be
// present with a matching shape.
func (m *LeNet5) LoadStateDict(state []tensor.Named) error {
	byName := make(map[string]*tensor.Tensor, len(state))
	for _, s := range state {
		byName[s.Name] = s.Tensor
	}
	for _, p := range m.params {
		t, ok := byName[p.Name]
		if !ok {
			return errors.Errorf("lenet5: state has no %q", p.Name)
		}
		if !t.Shape.Equal(p.Value.Shape) {
			return errors.Wrapf(tensor.ErrShape, "lenet5: %q is %s, want %s", p.Name, t.Shape, p.Value.Shape)
		}
		copy(p.Value.Data, t.Data)
	}
	return nil
}
