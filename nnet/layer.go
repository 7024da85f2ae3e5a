package nnet

import (
	"encoding/json"
	"fmt"
	"math/rand"

	"github.com/jnb666/mcdnn/num"
)

// Layer interface type represents one layer of the neural net.
type Layer interface {
	Init(q num.Queue, inShape []int, prev Layer) Layer
	OutShape(inShape []int) []int
	Fprop(q num.Queue, in num.Array) num.Array
	Bprop(q num.Queue, grad num.Array) num.Array
	ToString() string
}

// ParamLayer is a layer with weight and bias parameters
type ParamLayer interface {
	Layer
	InitParams(q num.Queue, scale, bias float32, normal bool, rng *rand.Rand)
	Params() (W, B num.Array)
	ParamGrads() (dW, dB num.Array)
	SetParams(q num.Queue, W, B num.Array)
	UpdateParams(q num.Queue, opt *Optimizer)
}

// OutputLayer is the final layer in the stack
type OutputLayer interface {
	Layer
	Loss(q num.Queue, yOneHot, yPred num.Array) num.Array
}

// LayerDNN hold a layer which implements the num.Layer interface
type LayerDNN interface {
	DNNLayer() num.Layer
}

// Layer configuration details
type LayerConfig struct {
	Type string
	Data json.RawMessage `json:",omitempty"`
}

type ConfigLayer interface {
	Marshal() LayerConfig
}

// Unmarshal JSON data and construct new layer
func (l LayerConfig) Unmarshal() Layer {
	switch l.Type {
	case "conv":
		cfg := new(Conv)
		return cfg.unmarshal(l.Data)
	case "maxPool":
		cfg := new(MaxPool)
		return cfg.unmarshal(l.Data)
	case "linear":
		cfg := new(Linear)
		return cfg.unmarshal(l.Data)
	case "activation":
		cfg := new(Activation)
		return cfg.unmarshal(l.Data)
	case "logRegression":
		return &logRegression{}
	case "flatten":
		return &flatten{}
	default:
		panic("invalid layer type: " + l.Type)
	}
}

func (l LayerConfig) String() string {
	return l.Unmarshal().ToString()
}

// Convolutional layer, implements ParamLayer interface.
type Conv struct {
	Nfeats, Size, Stride, Pad int
}

func (c Conv) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = 1
	}
	return LayerConfig{Type: "conv", Data: marshal(c)}
}

func (c Conv) ToString() string {
	return fmt.Sprintf("conv %+v", c)
}

func (c *Conv) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	return &convDNN{Conv: *c}
}

// Max pooling layer, should follow conv layer.
type MaxPool struct {
	Size, Stride int
}

func (c MaxPool) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = c.Size
	}
	return LayerConfig{Type: "maxPool", Data: marshal(c)}
}

func (c MaxPool) ToString() string {
	return fmt.Sprintf("maxPool %+v", c)
}

func (c *MaxPool) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	return &poolDNN{MaxPool: *c}
}

// Linear fully connected layer, implements ParamLayer interface.
type Linear struct {
	Nout int
}

func (c Linear) Marshal() LayerConfig {
	return LayerConfig{Type: "linear", Data: marshal(c)}
}

func (c Linear) ToString() string {
	return fmt.Sprintf("linear %+v", c)
}

func (c *Linear) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	return &linear{Linear: *c}
}

// Sigmoid, tanh or relu activation layer, implements OutputLayer interface.
type Activation struct {
	Atype string
}

func (c Activation) Marshal() LayerConfig {
	return LayerConfig{Type: "activation", Data: marshal(c)}
}

func (c Activation) ToString() string {
	return fmt.Sprintf("activation %+v", c)
}

func (c *Activation) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	layer := &activation{Activation: *c}
	switch c.Atype {
	case "sigmoid":
		layer.activ = num.Sigmoid
		layer.deriv = num.SigmoidD
	case "tanh":
		layer.activ = num.Tanh
		layer.deriv = num.TanhD
	case "relu":
		layer.activ = num.Relu
		layer.deriv = num.ReluD
	default:
		panic(fmt.Sprintf("activation type %s invalid", c.Atype))
	}
	return layer
}

// LogRegression output layer with soft max activation.
type LogRegression struct{}

func (c LogRegression) Marshal() LayerConfig {
	return LayerConfig{Type: "logRegression"}
}

// Flatten layer reshapes from 4 to 2 dimensions.
type Flatten struct{}

func (c Flatten) Marshal() LayerConfig {
	return LayerConfig{Type: "flatten"}
}

// linear layer implementation: dst = W'*src + b
type linear struct {
	Linear
	layerBase
	paramBase
	bias num.Array
	ones num.Array
}

func (l *linear) OutShape(inShape []int) []int {
	return []int{l.Nout, inShape[1]}
}

func (l *linear) Init(q num.Queue, inShape []int, prev Layer) Layer {
	if len(inShape) != 2 {
		panic("Linear: expect 2 dimensional input")
	}
	nIn, nBatch := inShape[0], inShape[1]
	l.layerBase = newLayerBase(q, inShape, l.OutShape(inShape))
	l.paramBase = newParams(q, []int{nIn, l.Nout}, []int{l.Nout})
	l.bias = l.b.Reshape(l.Nout, 1)
	l.ones = q.NewArray(num.Float32, nBatch)
	q.Call(num.Fill(l.ones, 1))
	return l
}

func (l *linear) Fprop(q num.Queue, in num.Array) num.Array {
	l.src = in
	q.Call(
		num.Copy(l.dst, l.bias),
		num.Gemm(1, 1, l.w, l.src, l.dst, num.Trans, num.NoTrans),
	)
	return l.dst
}

func (l *linear) Bprop(q num.Queue, grad num.Array) num.Array {
	q.Call(
		num.Gemv(1, 0, grad, l.ones, l.db, num.NoTrans),
		num.Gemm(1, 0, l.src, grad, l.dw, num.NoTrans, num.Trans),
		num.Gemm(1, 0, l.w, grad, l.dsrc, num.NoTrans, num.NoTrans),
	)
	return l.dsrc
}

// convolutional layer implementation
type convDNN struct {
	Conv
	paramBase
	*layerDNN
}

func (l *convDNN) Init(q num.Queue, inShape []int, prev Layer) Layer {
	if len(inShape) != 4 {
		panic("ConvDNN: expect 4 dimensional input")
	}
	n, d, h, w := inShape[3], inShape[2], inShape[1], inShape[0]
	layer := q.ConvLayer(n, d, h, w, l.Nfeats, l.Size, l.Stride, l.Pad)
	l.paramBase = newParams(q, layer.FilterShape(), layer.BiasShape())
	layer.SetParams(l.w, l.b, l.dw, l.db)
	l.layerDNN = newLayerDNN(layer)
	return l
}

// pool layer implentation
type poolDNN struct {
	MaxPool
	*layerDNN
}

func (l *poolDNN) Init(q num.Queue, inShape []int, prev Layer) Layer {
	if len(inShape) != 4 {
		panic("PoolDNN: expect 4 dimensional input")
	}
	l.layerDNN = newLayerDNN(q.MaxPoolLayer(inShape, l.Size, l.Stride))
	return l
}

// activation layers
type activation struct {
	Activation
	layerBase
	activ func(x, y num.Array) num.Function
	deriv func(x, y, z num.Array) num.Function
	loss  num.Array
}

func (l *activation) Init(q num.Queue, inShape []int, prev Layer) Layer {
	l.layerBase = newLayerBase(q, inShape, inShape)
	l.loss = q.NewArray(num.Float32, inShape...)
	return l
}

func (l *activation) Fprop(q num.Queue, in num.Array) num.Array {
	l.src = in
	q.Call(l.activ(l.src, l.dst))
	return l.dst
}

func (l *activation) Bprop(q num.Queue, grad num.Array) num.Array {
	q.Call(l.deriv(l.src, grad, l.dsrc))
	return l.dsrc
}

func (l *activation) Loss(q num.Queue, yOneHot, yPred num.Array) num.Array {
	q.Call(num.QuadraticLoss(yOneHot, yPred, l.loss))
	return l.loss
}

// log regression output layer
type logRegression struct {
	layerBase
	loss num.Array
}

func (l *logRegression) ToString() string { return "logRegression" }

func (l *logRegression) Init(q num.Queue, inShape []int, prev Layer) Layer {
	l.layerBase = newLayerBase(q, inShape, inShape)
	l.loss = q.NewArray(num.Float32, inShape...)
	return l
}

func (l *logRegression) Fprop(q num.Queue, in num.Array) num.Array {
	l.src = in
	q.Call(num.Softmax(l.src, l.dst))
	return l.dst
}

// gradient of softmax with cross entropy loss is passed straight through
func (l *logRegression) Bprop(q num.Queue, grad num.Array) num.Array {
	q.Call(num.Copy(l.dsrc, grad))
	return l.dsrc
}

func (l *logRegression) Loss(q num.Queue, yOneHot, yPred num.Array) num.Array {
	q.Call(num.SoftmaxLoss(yOneHot, yPred, l.loss))
	return l.loss
}

type flatten struct {
	layerBase
}

func (l *flatten) ToString() string { return "flatten" }

func (l *flatten) OutShape(inShape []int) []int {
	return []int{num.Prod(inShape[:len(inShape)-1]), inShape[len(inShape)-1]}
}

func (l *flatten) Init(q num.Queue, inShape []int, prev Layer) Layer {
	return l
}

func (l *flatten) Fprop(q num.Queue, in num.Array) num.Array {
	l.src = in
	dims := in.Dims()
	l.dst = in.Reshape(-1, dims[len(dims)-1])
	return l.dst
}

func (l *flatten) Bprop(q num.Queue, grad num.Array) num.Array {
	l.dsrc = grad.Reshape(append([]int{}, l.src.Dims()...)...)
	return l.dsrc
}

// base blas layer type
type layerBase struct {
	src  num.Array
	dst  num.Array
	dsrc num.Array
}

func newLayerBase(q num.Queue, inShape, outShape []int) layerBase {
	return layerBase{
		dst:  q.NewArray(num.Float32, outShape...),
		dsrc: q.NewArray(num.Float32, inShape...),
	}
}

func (l layerBase) OutShape(inShape []int) []int { return inShape }

type layerDNN struct {
	layer num.Layer
	layerBase
}

func newLayerDNN(layer num.Layer) *layerDNN {
	l := &layerDNN{layer: layer}
	l.dst = layer.Dst()
	l.dsrc = layer.DiffSrc()
	return l
}

func (l *layerDNN) DNNLayer() num.Layer {
	return l.layer
}

func (l *layerDNN) OutShape(inShape []int) []int {
	return l.layer.OutShape()
}

func (l *layerDNN) Fprop(q num.Queue, in num.Array) num.Array {
	l.layer.SetSrc(in)
	q.Call(num.Fprop(l.layer))
	return l.dst
}

func (l *layerDNN) Bprop(q num.Queue, grad num.Array) num.Array {
	l.layer.SetDiffDst(grad)
	if l.layer.HasParams() {
		q.Call(
			num.BpropFilter(l.layer),
			num.BpropBias(l.layer),
		)
	}
	q.Call(num.BpropData(l.layer))
	return l.dsrc
}

// weight and bias parameters with optimiser state
type paramBase struct {
	w, b   num.Array
	dw, db num.Array
	mw, vw num.Array
	mb, vb num.Array
}

func newParams(q num.Queue, wShape, bShape []int) paramBase {
	return paramBase{
		w:  q.NewArray(num.Float32, wShape...),
		b:  q.NewArray(num.Float32, bShape...),
		dw: q.NewArray(num.Float32, wShape...),
		db: q.NewArray(num.Float32, bShape...),
	}
}

func (p *paramBase) Params() (W, B num.Array) {
	return p.w, p.b
}

func (p *paramBase) ParamGrads() (dW, dB num.Array) {
	return p.dw, p.db
}

// InitParams sets the weights from a uniform distribution in [-scale, scale] or normal with stddev scale.
// If bias is zero the bias is drawn from the same distribution as the weights.
func (p *paramBase) InitParams(q num.Queue, scale, bias float32, normal bool, rng *rand.Rand) {
	random := func(n int) []float32 {
		v := make([]float32, n)
		for i := range v {
			if normal {
				v[i] = float32(rng.NormFloat64()) * scale
			} else {
				v[i] = (2*rng.Float32() - 1) * scale
			}
		}
		return v
	}
	q.Call(num.Write(p.w, random(p.w.Size())))
	if bias != 0 {
		q.Call(num.Fill(p.b, bias))
	} else {
		q.Call(num.Write(p.b, random(p.b.Size())))
	}
}

func (p *paramBase) SetParams(q num.Queue, W, B num.Array) {
	q.Call(num.Copy(p.w, W), num.Copy(p.b, B))
}

func (p *paramBase) UpdateParams(q num.Queue, opt *Optimizer) {
	if opt.Type == "adam" && p.mw == nil {
		p.mw, p.vw = q.NewArrayLike(p.w), q.NewArrayLike(p.w)
		p.mb, p.vb = q.NewArrayLike(p.b), q.NewArrayLike(p.b)
	}
	q.Call(
		opt.Update(p.w, p.dw, p.mw, p.vw),
		opt.Update(p.b, p.db, p.mb, p.vb),
	)
}

func marshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func unmarshal(data json.RawMessage, v interface{}) {
	err := json.Unmarshal(data, v)
	if err != nil {
		panic(err)
	}
}
