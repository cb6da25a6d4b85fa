package collector

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"modbus-gateway/internal/model"
	"modbus-gateway/internal/registers"
)

// Source addresses in the field devices' own register maps.
const (
	ScaleSourceAddress = 1
	OEESourceAddress   = 1
)

// Writer is the part of the register table pollers write into.
type Writer interface {
	Write(offset int, words []uint16) error
}

// Poller reads one device over an open client, writes the decoded words into
// w at the device's offset and reports the outcome. Pollers never panic on
// device errors; failures come back in Result.Err.
type Poller interface {
	Poll(ctx context.Context, c Client, d model.Device, w Writer) model.Result
}

// PollerFunc adapts a function to Poller.
type PollerFunc func(ctx context.Context, c Client, d model.Device, w Writer) model.Result

func (f PollerFunc) Poll(ctx context.Context, c Client, d model.Device, w Writer) model.Result {
	return f(ctx, c, d, w)
}

// DefaultPollers maps every device type to its poller.
func DefaultPollers(logger zerolog.Logger) map[model.Type]Poller {
	return map[model.Type]Poller{
		model.TypePowerMeter: PowerMeterPoller{Logger: logger},
		model.TypeScale:      ScalePoller{},
		model.TypeOEE:        OEEPoller{},
	}
}

func failed(err error) model.Result {
	return model.Result{Err: err, At: time.Now()}
}

// PowerMeterPoller reads each parameter as a big-endian float32 pair.
//
// A reading of exactly zero is skipped: it is neither written nor recorded.
// A Modbus exception skips only that parameter. Any other read error ends the
// poll as offline; pairs already written stay written.
type PowerMeterPoller struct {
	Logger zerolog.Logger
}

func (p PowerMeterPoller) Poll(ctx context.Context, c Client, d model.Device, w Writer) model.Result {
	values := make(map[string]any)
	for i, param := range d.PowerMeterParams() {
		if err := ctx.Err(); err != nil {
			return failed(fmt.Errorf("poll deadline before %s: %w", param.Name, err))
		}
		words, err := c.ReadHoldingRegisters(param.Address, 2)
		if err != nil {
			if IsException(err) {
				p.Logger.Debug().Err(err).Str("device", d.Name).Str("param", param.Name).Msg("parameter skipped")
				continue
			}
			return failed(fmt.Errorf("read %s@%d: %w", param.Name, param.Address, err))
		}
		if len(words) < 2 {
			return failed(fmt.Errorf("read %s@%d: short response (%d words)", param.Name, param.Address, len(words)))
		}
		v := registers.DecodeFloat32(words[0], words[1])
		if v == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return failed(fmt.Errorf("poll deadline before writing %s: %w", param.Name, err))
		}
		hi, lo := registers.EncodeFloat32(v)
		if err := w.Write(d.Offset+2*i, []uint16{hi, lo}); err != nil {
			return failed(fmt.Errorf("write %s: %w", param.Name, err))
		}
		if f := float64(v); !math.IsNaN(f) && !math.IsInf(f, 0) {
			values[param.Name] = model.Round2(v)
		}
	}
	return model.Result{Values: values, At: time.Now()}
}

// ScalePoller reads the raw weight register.
type ScalePoller struct{}

func (ScalePoller) Poll(ctx context.Context, c Client, d model.Device, w Writer) model.Result {
	words, err := readBlock(ctx, c, d, w, ScaleSourceAddress, model.ScaleSize)
	if err != nil {
		return failed(err)
	}
	return model.Result{
		Values: map[string]any{"weight": int(words[0])},
		At:     time.Now(),
	}
}

// OEEPoller reads the run flag, the high-speed counter and two production
// flags in one request.
type OEEPoller struct{}

func (OEEPoller) Poll(ctx context.Context, c Client, d model.Device, w Writer) model.Result {
	words, err := readBlock(ctx, c, d, w, OEESourceAddress, model.OEESize)
	if err != nil {
		return failed(err)
	}
	status := "Stop"
	if words[0] == 1 {
		status = "Start"
	}
	return model.Result{
		Values: map[string]any{
			"available_status":    status,
			"meters_hsc":          int(words[1]),
			"new_output_flag":     int(words[2]),
			"start_of_production": int(words[3]),
		},
		At: time.Now(),
	}
}

// readBlock reads qty registers at src and copies them verbatim to the device offset.
func readBlock(ctx context.Context, c Client, d model.Device, w Writer, src uint16, qty int) ([]uint16, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("poll deadline: %w", err)
	}
	words, err := c.ReadHoldingRegisters(src, uint16(qty))
	if err != nil {
		return nil, fmt.Errorf("read %d@%d: %w", qty, src, err)
	}
	if len(words) < qty {
		return nil, fmt.Errorf("read %d@%d: short response (%d words)", qty, src, len(words))
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("poll deadline before write: %w", err)
	}
	if err := w.Write(d.Offset, words[:qty]); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	return words, nil
}
