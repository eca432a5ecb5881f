package gpu

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
)

// Context holds the process-wide WebGPU device
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue

	AdapterName string
	VendorName  string

	once    sync.Once
	initErr error
}

var ctx Context

func isDiscrete(name, vendor string) bool {
	return strings.Contains(strings.ToLower(name+" "+vendor), "nvidia")
}

func (c *Context) init() {
	c.Instance = wgpu.CreateInstance(nil)
	if c.Instance == nil {
		c.initErr = fmt.Errorf("failed to create WebGPU instance")
		return
	}

	// prefer a discrete card when one is enumerated
	for _, a := range c.Instance.EnumerateAdapters(nil) {
		info := a.GetInfo()
		if isDiscrete(info.Name, info.VendorName) {
			c.Adapter = a
			break
		}
	}

	var err error
	for _, power := range []wgpu.PowerPreference{wgpu.PowerPreferenceHighPerformance, wgpu.PowerPreferenceLowPower} {
		if c.Adapter != nil {
			break
		}
		c.Adapter, err = c.Instance.RequestAdapter(&wgpu.RequestAdapterOptions{PowerPreference: power})
		if err != nil {
			log.Printf("gpu adapter request failed: %v", err)
		}
	}
	if c.Adapter == nil {
		if c.Adapter, err = c.Instance.RequestAdapter(nil); err != nil || c.Adapter == nil {
			c.initErr = fmt.Errorf("all adapter attempts failed: %v", err)
			return
		}
	}

	info := c.Adapter.GetInfo()
	c.AdapterName, c.VendorName = info.Name, info.VendorName
	log.Printf("using gpu adapter %s (%s)", info.Name, info.VendorName)

	if c.Device, err = c.Adapter.RequestDevice(nil); err != nil {
		c.initErr = err
		return
	}
	c.Queue = c.Device.GetQueue()
}

// GetContext returns the singleton GPU context, initializing it on first use
func GetContext() (*Context, error) {
	ctx.once.Do(ctx.init)
	if ctx.initErr != nil {
		return nil, ctx.initErr
	}
	if ctx.Device == nil || ctx.Queue == nil {
		return nil, fmt.Errorf("WebGPU device or queue not initialized")
	}
	return &ctx, nil
}
