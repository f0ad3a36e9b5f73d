// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

package writer

import (
	"fmt"
	"sort"

	"github.com/sf-daq/databuffer-broker/pkg/request"
	"github.com/sf-daq/databuffer-broker/pkg/util/log"
)

// Layout selects how per-channel event streams are materialized.
type Layout string

// The two supported file layouts.
const (
	LayoutExtended Layout = "extended"
	LayoutCompact  Layout = "compact"
)

// ParseLayout validates a configured layout name.
func ParseLayout(name string) (Layout, error) {
	switch Layout(name) {
	case LayoutExtended, LayoutCompact:
		return Layout(name), nil
	}
	return "", fmt.Errorf("unknown file layout %q", name)
}

// Dataset is one fully aligned channel, ready to be written out.
// Values is a flat slice of the channel dtype with len(PulseIDs) rows
// of prod(ElemShape) elements each.
type Dataset struct {
	Name        string
	DType       DType
	ElemShape   []int
	PulseIDs    []int64
	Present     []uint8
	GlobalDates []string
	Values      any
}

// Aligned is the in-memory form of one output file.
type Aligned struct {
	Datasets []Dataset
}

// channelShape resolves the stored element shape of a channel: the
// config shape reversed, or [1] for scalars.
func channelShape(ch *request.ChannelData) []int {
	var shape []int
	if len(ch.Configs) > 0 {
		shape = ch.Configs[0].Shape
	}
	if len(shape) == 0 && len(ch.Data) > 0 {
		shape = ch.Data[0].Shape
	}
	if len(shape) == 0 || (len(shape) == 1 && shape[0] == 1) {
		return []int{1}
	}
	reversed := make([]int, len(shape))
	for i, d := range shape {
		reversed[len(shape)-1-i] = d
	}
	return reversed
}

func channelDType(ch *request.ChannelData) (DType, error) {
	if len(ch.Configs) > 0 {
		return ParseDType(ch.Configs[0].Type)
	}
	return ParseDType("")
}

func elemCount(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// fillRow decodes one event value into row index row of buf. A value
// that does not convert leaves the row zeroed and reports false.
func fillRow(buf *valueBuffer, row, rowLen int, name string, event *request.ChannelEvent) bool {
	flat, err := flattenValue(event.Value)
	if err == nil && len(flat) != rowLen {
		err = fmt.Errorf("got %d elements, want %d", len(flat), rowLen)
	}
	if err == nil {
		for i, scalar := range flat {
			if err = buf.set(row*rowLen+i, scalar); err != nil {
				break
			}
		}
	}
	if err != nil {
		log.Warnf("Cannot convert channel %s pulse %d: %s", name, event.PulseID, err)
		return false
	}
	return true
}

func checkNoData(channels []request.ChannelData, errorIfNoData bool) error {
	if !errorIfNoData {
		return nil
	}
	for i := range channels {
		if len(channels[i].Data) == 0 {
			return fmt.Errorf("no data for channel %s", channels[i].Channel.Name)
		}
	}
	return nil
}

// BuildExtended aligns all channels on the union of their pulse ids.
// Every dataset has one row per union pulse, zero-filled where the
// channel has no event, with is_data_present marking the real rows.
func BuildExtended(channels []request.ChannelData, errorIfNoData bool) (*Aligned, error) {
	if err := checkNoData(channels, errorIfNoData); err != nil {
		return nil, err
	}

	union := map[int64]struct{}{}
	for i := range channels {
		for j := range channels[i].Data {
			union[channels[i].Data[j].PulseID] = struct{}{}
		}
	}
	pulseIDs := make([]int64, 0, len(union))
	for pid := range union {
		pulseIDs = append(pulseIDs, pid)
	}
	sort.Slice(pulseIDs, func(i, j int) bool { return pulseIDs[i] < pulseIDs[j] })

	rowOf := make(map[int64]int, len(pulseIDs))
	for i, pid := range pulseIDs {
		rowOf[pid] = i
	}

	aligned := &Aligned{}
	for i := range channels {
		ch := &channels[i]

		dtype, err := channelDType(ch)
		if err != nil {
			log.Warnf("Skipping channel %s: %s", ch.Channel.Name, err)
			continue
		}
		shape := channelShape(ch)
		rowLen := elemCount(shape)

		buf := newValueBuffer(dtype, len(pulseIDs)*rowLen)
		present := make([]uint8, len(pulseIDs))
		dates := make([]string, len(pulseIDs))

		for j := range ch.Data {
			event := &ch.Data[j]
			row, ok := rowOf[event.PulseID]
			if !ok {
				continue
			}
			if fillRow(buf, row, rowLen, ch.Channel.Name, event) {
				present[row] = 1
				dates[row] = event.GlobalDate
			}
		}

		aligned.Datasets = append(aligned.Datasets, Dataset{
			Name:        ch.Channel.Name,
			DType:       dtype,
			ElemShape:   shape,
			PulseIDs:    pulseIDs,
			Present:     present,
			GlobalDates: dates,
			Values:      buf.values(),
		})
	}
	return aligned, nil
}

// BuildCompact keeps each channel on its own pulse-id axis, one row
// per recorded event. Presence is all ones since absent pulses have no
// row at all.
func BuildCompact(channels []request.ChannelData, errorIfNoData bool) (*Aligned, error) {
	if err := checkNoData(channels, errorIfNoData); err != nil {
		return nil, err
	}

	aligned := &Aligned{}
	for i := range channels {
		ch := &channels[i]

		dtype, err := channelDType(ch)
		if err != nil {
			log.Warnf("Skipping channel %s: %s", ch.Channel.Name, err)
			continue
		}
		shape := channelShape(ch)
		rowLen := elemCount(shape)

		n := len(ch.Data)
		buf := newValueBuffer(dtype, n*rowLen)
		present := make([]uint8, n)
		pulseIDs := make([]int64, n)
		dates := make([]string, n)

		for j := range ch.Data {
			event := &ch.Data[j]
			pulseIDs[j] = event.PulseID
			dates[j] = event.GlobalDate
			present[j] = 1
			fillRow(buf, j, rowLen, ch.Channel.Name, event)
		}

		aligned.Datasets = append(aligned.Datasets, Dataset{
			Name:        ch.Channel.Name,
			DType:       dtype,
			ElemShape:   shape,
			PulseIDs:    pulseIDs,
			Present:     present,
			GlobalDates: dates,
			Values:      buf.values(),
		})
	}
	return aligned, nil
}

// Build dispatches on the configured layout.
func Build(layout Layout, channels []request.ChannelData, errorIfNoData bool) (*Aligned, error) {
	switch layout {
	case LayoutCompact:
		return BuildCompact(channels, errorIfNoData)
	default:
		return BuildExtended(channels, errorIfNoData)
	}
}
