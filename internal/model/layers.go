package model

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"lenet-forge/internal/tensor"
)

// convGeom is the per-sample geometry of a convolution.
type convGeom struct {
	c, h, w   int
	k, s, p   int
	oh, ow    int
	patchSize int
}

func (g convGeom) positions() int { return g.oh * g.ow }

// im2col lays every receptive field out as a contiguous row of patchSize values.
func (g convGeom) im2col(in, cols []float64) {
	for oy := 0; oy < g.oh; oy++ {
		for ox := 0; ox < g.ow; ox++ {
			pos := oy*g.ow + ox
			row := cols[pos*g.patchSize : (pos+1)*g.patchSize]
			i := 0
			for ch := 0; ch < g.c; ch++ {
				for ky := 0; ky < g.k; ky++ {
					iy := oy*g.s + ky - g.p
					for kx := 0; kx < g.k; kx++ {
						ix := ox*g.s + kx - g.p
						if iy < 0 || iy >= g.h || ix < 0 || ix >= g.w {
							row[i] = 0
						} else {
							row[i] = in[(ch*g.h+iy)*g.w+ix]
						}
						i++
					}
				}
			}
		}
	}
}

// col2im scatters patch gradients back onto the input, accumulating overlaps.
func (g convGeom) col2im(cols, in []float64) {
	for oy := 0; oy < g.oh; oy++ {
		for ox := 0; ox < g.ow; ox++ {
			pos := oy*g.ow + ox
			row := cols[pos*g.patchSize : (pos+1)*g.patchSize]
			i := 0
			for ch := 0; ch < g.c; ch++ {
				for ky := 0; ky < g.k; ky++ {
					iy := oy*g.s + ky - g.p
					for kx := 0; kx < g.k; kx++ {
						ix := ox*g.s + kx - g.p
						if iy >= 0 && iy < g.h && ix >= 0 && ix < g.w {
							in[(ch*g.h+iy)*g.w+ix] += row[i]
						}
						i++
					}
				}
			}
		}
	}
}

// Conv2D is a 2D convolution over [N,C,H,W] inputs with a square kernel.
type Conv2D struct {
	InChannels, OutChannels int
	Kernel, Stride, Padding int

	Weight *Param // [out, in, k, k]
	Bias   *Param // [out]

	geom convGeom
}

func newConv2D(name string, in tensor.Shape, outChannels, kernel, stride, padding int) (*Conv2D, tensor.Shape, error) {
	if len(in) != 3 {
		return nil, nil, errors.Wrapf(tensor.ErrShape, "%s: want [C,H,W] input, got %s", name, in)
	}
	c, h, w := in[0], in[1], in[2]
	if h+2*padding < kernel || w+2*padding < kernel {
		return nil, nil, errors.Wrapf(tensor.ErrShape, "%s: input %s smaller than kernel %d", name, in, kernel)
	}
	g := convGeom{
		c: c, h: h, w: w,
		k: kernel, s: stride, p: padding,
		oh:        (h+2*padding-kernel)/stride + 1,
		ow:        (w+2*padding-kernel)/stride + 1,
		patchSize: c * kernel * kernel,
	}
	conv := &Conv2D{
		InChannels:  c,
		OutChannels: outChannels,
		Kernel:      kernel,
		Stride:      stride,
		Padding:     padding,
		Weight:      newParam(name+".weight", outChannels, c, kernel, kernel),
		Bias:        newParam(name+".bias", outChannels),
		geom:        g,
	}
	return conv, tensor.Shape{outChannels, g.oh, g.ow}, nil
}

func (c *Conv2D) forward(x *tensor.Tensor) *tensor.Tensor {
	g := c.geom
	n := x.Dim(0)
	positions := g.positions()
	out := tensor.New(n, c.OutChannels, g.oh, g.ow)
	cols := make([]float64, positions*g.patchSize)
	w, b := c.Weight.Value.Data, c.Bias.Value.Data
	for i := 0; i < n; i++ {
		g.im2col(x.Row(i), cols)
		y := out.Row(i)
		for o := 0; o < c.OutChannels; o++ {
			wr := w[o*g.patchSize : (o+1)*g.patchSize]
			for p := 0; p < positions; p++ {
				y[o*positions+p] = b[o] + floats.Dot(wr, cols[p*g.patchSize:(p+1)*g.patchSize])
			}
		}
	}
	return out
}

// backward accumulates weight and bias gradients into gw, gb and returns the
// input gradient, or nil when wantInput is false.
func (c *Conv2D) backward(x, gy *tensor.Tensor, gw, gb []float64, wantInput bool) *tensor.Tensor {
	g := c.geom
	n := x.Dim(0)
	positions := g.positions()
	cols := make([]float64, positions*g.patchSize)
	var gx *tensor.Tensor
	var gcols []float64
	if wantInput {
		gx = tensor.New(x.Shape...)
		gcols = make([]float64, len(cols))
	}
	w := c.Weight.Value.Data
	for i := 0; i < n; i++ {
		g.im2col(x.Row(i), cols)
		if wantInput {
			for j := range gcols {
				gcols[j] = 0
			}
		}
		gyi := gy.Row(i)
		for o := 0; o < c.OutChannels; o++ {
			wr := w[o*g.patchSize : (o+1)*g.patchSize]
			gwr := gw[o*g.patchSize : (o+1)*g.patchSize]
			for p := 0; p < positions; p++ {
				d := gyi[o*positions+p]
				if d == 0 {
					continue
				}
				gb[o] += d
				floats.AddScaled(gwr, d, cols[p*g.patchSize:(p+1)*g.patchSize])
				if wantInput {
					floats.AddScaled(gcols[p*g.patchSize:(p+1)*g.patchSize], d, wr)
				}
			}
		}
		if wantInput {
			g.col2im(gcols, gx.Row(i))
		}
	}
	return gx
}

// AvgPool2D averages non-padded square windows.
type AvgPool2D struct {
	Kernel, Stride int

	c, h, w, oh, ow int
}

func newAvgPool2D(name string, in tensor.Shape, kernel, stride int) (*AvgPool2D, tensor.Shape, error) {
	if len(in) != 3 || in[1] < kernel || in[2] < kernel {
		return nil, nil, errors.Wrapf(tensor.ErrShape, "%s: cannot pool %s with kernel %d", name, in, kernel)
	}
	p := &AvgPool2D{
		Kernel: kernel, Stride: stride,
		c: in[0], h: in[1], w: in[2],
		oh: (in[1]-kernel)/stride + 1,
		ow: (in[2]-kernel)/stride + 1,
	}
	return p, tensor.Shape{p.c, p.oh, p.ow}, nil
}

func (p *AvgPool2D) forward(x *tensor.Tensor) *tensor.Tensor {
	n := x.Dim(0)
	out := tensor.New(n, p.c, p.oh, p.ow)
	scale := 1 / float64(p.Kernel*p.Kernel)
	for i := 0; i < n; i++ {
		in, y := x.Row(i), out.Row(i)
		for ch := 0; ch < p.c; ch++ {
			for oy := 0; oy < p.oh; oy++ {
				for ox := 0; ox < p.ow; ox++ {
					sum := 0.0
					for ky := 0; ky < p.Kernel; ky++ {
						for kx := 0; kx < p.Kernel; kx++ {
							sum += in[(ch*p.h+oy*p.Stride+ky)*p.w+ox*p.Stride+kx]
						}
					}
					y[(ch*p.oh+oy)*p.ow+ox] = sum * scale
				}
			}
		}
	}
	return out
}

func (p *AvgPool2D) backward(gy *tensor.Tensor) *tensor.Tensor {
	n := gy.Dim(0)
	gx := tensor.New(n, p.c, p.h, p.w)
	scale := 1 / float64(p.Kernel*p.Kernel)
	for i := 0; i < n; i++ {
		gin, g := gx.Row(i), gy.Row(i)
		for ch := 0; ch < p.c; ch++ {
			for oy := 0; oy < p.oh; oy++ {
				for ox := 0; ox < p.ow; ox++ {
					d := g[(ch*p.oh+oy)*p.ow+ox] * scale
					for ky := 0; ky < p.Kernel; ky++ {
						for kx := 0; kx < p.Kernel; kx++ {
							gin[(ch*p.h+oy*p.Stride+ky)*p.w+ox*p.Stride+kx] += d
						}
					}
				}
			}
		}
	}
	return gx
}

// Linear is a fully connected layer over [N,in] inputs.
type Linear struct {
	In, Out int

	Weight *Param // [out, in]
	Bias   *Param // [out]
}

func newLinear(name string, in tensor.Shape, out int) (*Linear, tensor.Shape, error) {
	if len(in) != 1 {
		return nil, nil, errors.Wrapf(tensor.ErrShape, "%s: want flat input, got %s", name, in)
	}
	return &Linear{
		In:     in[0],
		Out:    out,
		Weight: newParam(name+".weight", out, in[0]),
		Bias:   newParam(name+".bias", out),
	}, tensor.Shape{out}, nil
}

func (l *Linear) forward(x *tensor.Tensor) *tensor.Tensor {
	n := x.Dim(0)
	out := tensor.New(n, l.Out)
	w, b := l.Weight.Value.Data, l.Bias.Value.Data
	for i := 0; i < n; i++ {
		in, y := x.Row(i), out.Row(i)
		for o := 0; o < l.Out; o++ {
			y[o] = b[o] + floats.Dot(w[o*l.In:(o+1)*l.In], in)
		}
	}
	return out
}

func (l *Linear) backward(x, gy *tensor.Tensor, gw, gb []float64) *tensor.Tensor {
	n := x.Dim(0)
	gx := tensor.New(x.Shape...)
	w := l.Weight.Value.Data
	for i := 0; i < n; i++ {
		in, g, gin := x.Row(i), gy.Row(i), gx.Row(i)
		for o := 0; o < l.Out; o++ {
			d := g[o]
			gb[o] += d
			floats.AddScaled(gw[o*l.In:(o+1)*l.In], d, in)
			floats.AddScaled(gin, d, w[o*l.In:(o+1)*l.In])
		}
	}
	return gx
}

func tanhForward(x *tensor.Tensor) *tensor.Tensor {
	out := tensor.New(x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = math.Tanh(v)
	}
	return out
}

// tanhBackward takes the activation output y, since tanh' = 1 - y².
func tanhBackward(y, gy *tensor.Tensor) *tensor.Tensor {
	gx := tensor.New(y.Shape...)
	for i, v := range y.Data {
		gx.Data[i] = gy.Data[i] * (1 - v*v)
	}
	return gx
}

// uniformInit fills both tensors from U(-1/sqrt(fanIn), 1/sqrt(fanIn)).
func uniformInit(rng *rand.Rand, fanIn int, params ...*Param) {
	bound := 1 / math.Sqrt(float64(fanIn))
	for _, p := range params {
		for i := range p.Value.Data {
			p.Value.Data[i] = (rng.Float64()*2 - 1) * bound
		}
	}
}
