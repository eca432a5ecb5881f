package gpu

import (
	"fmt"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
)

const rowMaxWorkgroup = 64

// maxWorkgroups is the per-dimension dispatch limit guaranteed by WebGPU
const maxWorkgroups = 65535

// one invocation per row; the first maximum wins, index is written as f32
const rowMaxShader = `
	struct Params {
		rows : u32,
		cols : u32,
		_pad0 : u32,
		_pad1 : u32,
	};

	@group(0) @binding(0) var<uniform> params : Params;
	@group(0) @binding(1) var<storage, read> input : array<f32>;
	@group(0) @binding(2) var<storage, read_write> argmax : array<f32>;

	@compute @workgroup_size(64)
	fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
		let r = gid.x;
		if (r >= params.rows) {
			return;
		}
		let offset = r * params.cols;
		var best: u32 = 0u;
		var best_val: f32 = input[offset];
		for (var c: u32 = 1u; c < params.cols; c++) {
			let v = input[offset + c];
			if (v > best_val) {
				best_val = v;
				best = c;
			}
		}
		argmax[r] = f32(best);
	}
`

func workgroups(rows int) int {
	return (rows + rowMaxWorkgroup - 1) / rowMaxWorkgroup
}

// Pooler runs row-wise max pooling on the GPU. The argmax is computed on the device in
// float32; pooled values are gathered from the float64 input.
type Pooler struct {
	mu       sync.Mutex
	ctx      *Context
	pipeline *wgpu.ComputePipeline
}

// NewPooler compiles the row-max kernel on the shared context
func NewPooler() (*Pooler, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	module, err := c.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "RowMax_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: rowMaxShader},
	})
	if err != nil {
		return nil, err
	}
	defer module.Release()

	pipeline, err := c.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   "RowMax_Pipe",
		Compute: wgpu.ProgrammableStageDescriptor{Module: module, EntryPoint: "main"},
	})
	if err != nil {
		return nil, err
	}
	return &Pooler{ctx: c, pipeline: pipeline}, nil
}

// RowMax returns the maximum of each row of a rows x cols matrix and its column
func (p *Pooler) RowMax(data []float64, rows, cols int) ([]float64, []int, error) {
	if len(data) != rows*cols {
		return nil, nil, fmt.Errorf("row max: %d values for [%d,%d]", len(data), rows, cols)
	}
	values := make([]float64, rows)
	index := make([]int, rows)
	if rows == 0 {
		return values, index, nil
	}
	if cols == 0 {
		for r := range index {
			index[r] = -1
		}
		return values, index, nil
	}
	if workgroups(rows) > maxWorkgroups {
		return nil, nil, fmt.Errorf("row max: %d rows exceed the dispatch limit", rows)
	}

	argmax, err := p.dispatch(data, rows, cols)
	if err != nil {
		return nil, nil, err
	}
	for r, a := range argmax {
		c := int(a)
		if c < 0 || c >= cols {
			return nil, nil, fmt.Errorf("row max: device returned column %d for row %d", c, r)
		}
		values[r], index[r] = data[r*cols+c], c
	}
	return values, index, nil
}

func (p *Pooler) dispatch(data []float64, rows, cols int) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.ctx

	input := make([]float32, len(data))
	for i, v := range data {
		input[i] = float32(v)
	}

	paramBuf, err := c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "RowMax_Params",
		Size:  16,
		Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, err
	}
	defer paramBuf.Destroy()
	c.Queue.WriteBuffer(paramBuf, 0, wgpu.ToBytes([]uint32{uint32(rows), uint32(cols), 0, 0}))

	inBuf, err := NewFloatBuffer(c, "RowMax_In", input, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst)
	if err != nil {
		return nil, err
	}
	defer inBuf.Destroy()

	outBuf, err := c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "RowMax_Out",
		Size:  uint64(rows * 4),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, err
	}
	defer outBuf.Destroy()

	bindGroup, err := c.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "RowMax_Bind",
		Layout: p.pipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: paramBuf, Size: paramBuf.GetSize()},
			{Binding: 1, Buffer: inBuf, Size: inBuf.GetSize()},
			{Binding: 2, Buffer: outBuf, Size: outBuf.GetSize()},
		},
	})
	if err != nil {
		return nil, err
	}
	defer bindGroup.Release()

	enc, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, err
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(p.pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(uint32(workgroups(rows)), 1, 1)
	pass.End()
	cmd, err := enc.Finish(nil)
	if err != nil {
		return nil, err
	}
	c.Queue.Submit(cmd)

	return ReadBuffer(c, outBuf, rows)
}

// Release frees the compiled pipeline
func (p *Pooler) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pipeline != nil {
		p.pipeline.Release()
		p.pipeline = nil
	}
}
