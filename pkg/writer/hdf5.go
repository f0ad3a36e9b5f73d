// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

package writer

import (
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/hdf5"
)

func (d DType) hdf5Type() *hdf5.Datatype {
	switch d {
	case TypeFloat64:
		return hdf5.T_NATIVE_DOUBLE
	case TypeFloat32:
		return hdf5.T_NATIVE_FLOAT
	case TypeInt64:
		return hdf5.T_NATIVE_INT64
	case TypeUint64:
		return hdf5.T_NATIVE_UINT64
	case TypeInt32:
		return hdf5.T_NATIVE_INT32
	case TypeUint32:
		return hdf5.T_NATIVE_UINT32
	case TypeInt16:
		return hdf5.T_NATIVE_INT16
	case TypeUint16:
		return hdf5.T_NATIVE_UINT16
	case TypeInt8:
		return hdf5.T_NATIVE_INT8
	case TypeUint8, TypeBool:
		return hdf5.T_NATIVE_UINT8
	case TypeString:
		return hdf5.T_GO_STRING
	}
	return hdf5.T_NATIVE_DOUBLE
}

// groupCreator is satisfied by both *hdf5.File and *hdf5.Group.
type groupCreator interface {
	CreateGroup(name string) (*hdf5.Group, error)
	CreateDataset(name string, dtype *hdf5.Datatype, dspace *hdf5.Dataspace) (*hdf5.Dataset, error)
}

func writeArray(parent groupCreator, name string, dtype *hdf5.Datatype, dims []uint, data any) error {
	space, err := hdf5.CreateSimpleDataspace(dims, nil)
	if err != nil {
		return fmt.Errorf("dataspace for %s: %w", name, err)
	}
	defer space.Close()

	dset, err := parent.CreateDataset(name, dtype, space)
	if err != nil {
		return fmt.Errorf("dataset %s: %w", name, err)
	}
	defer dset.Close()

	// A zero-length dataset carries its shape only.
	if dims[0] == 0 {
		return nil
	}
	if err := dset.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

func writeScalar(parent groupCreator, name string, value any) error {
	space, err := hdf5.CreateDataspace(hdf5.S_SCALAR)
	if err != nil {
		return fmt.Errorf("dataspace for %s: %w", name, err)
	}
	defer space.Close()

	var dtype *hdf5.Datatype
	var data any
	switch v := value.(type) {
	case string:
		dtype, data = hdf5.T_GO_STRING, &v
	case float64:
		dtype, data = hdf5.T_NATIVE_DOUBLE, &v
	case int64:
		dtype, data = hdf5.T_NATIVE_INT64, &v
	case int:
		i := int64(v)
		dtype, data = hdf5.T_NATIVE_INT64, &i
	case bool:
		var b uint8
		if v {
			b = 1
		}
		dtype, data = hdf5.T_NATIVE_UINT8, &b
	default:
		s := fmt.Sprintf("%v", v)
		dtype, data = hdf5.T_GO_STRING, &s
	}

	dset, err := parent.CreateDataset(name, dtype, space)
	if err != nil {
		return fmt.Errorf("dataset %s: %w", name, err)
	}
	defer dset.Close()
	return dset.Write(data)
}

func writeValues(parent groupCreator, name string, ds *Dataset, dims []uint) error {
	switch v := ds.Values.(type) {
	case []float64:
		return writeArray(parent, name, ds.DType.hdf5Type(), dims, &v)
	case []float32:
		return writeArray(parent, name, ds.DType.hdf5Type(), dims, &v)
	case []int64:
		return writeArray(parent, name, ds.DType.hdf5Type(), dims, &v)
	case []uint64:
		return writeArray(parent, name, ds.DType.hdf5Type(), dims, &v)
	case []int32:
		return writeArray(parent, name, ds.DType.hdf5Type(), dims, &v)
	case []uint32:
		return writeArray(parent, name, ds.DType.hdf5Type(), dims, &v)
	case []int16:
		return writeArray(parent, name, ds.DType.hdf5Type(), dims, &v)
	case []uint16:
		return writeArray(parent, name, ds.DType.hdf5Type(), dims, &v)
	case []int8:
		return writeArray(parent, name, ds.DType.hdf5Type(), dims, &v)
	case []uint8:
		return writeArray(parent, name, ds.DType.hdf5Type(), dims, &v)
	case []string:
		return writeArray(parent, name, ds.DType.hdf5Type(), dims, &v)
	}
	return fmt.Errorf("unsupported value slice %T for %s", ds.Values, name)
}

// WriteFile materializes one aligned acquisition into an HDF5 file.
// Parameters land at their slash-separated key paths (general/user and
// friends), channel payloads under /data/<channel>/.
func WriteFile(path string, parameters map[string]any, aligned *Aligned) error {
	f, err := hdf5.CreateFile(path, hdf5.F_ACC_TRUNC)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	groups := map[string]*hdf5.Group{}
	defer func() {
		for _, g := range groups {
			g.Close()
		}
	}()
	group := func(name string) (*hdf5.Group, error) {
		if g, ok := groups[name]; ok {
			return g, nil
		}
		g, err := f.CreateGroup(name)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", name, err)
		}
		groups[name] = g
		return g, nil
	}

	keys := make([]string, 0, len(parameters))
	for key := range parameters {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		var parent groupCreator = f
		name := key
		if idx := strings.LastIndex(key, "/"); idx >= 0 {
			g, err := group(key[:idx])
			if err != nil {
				return err
			}
			parent, name = g, key[idx+1:]
		}
		if err := writeScalar(parent, name, parameters[key]); err != nil {
			return err
		}
	}

	data, err := group("data")
	if err != nil {
		return err
	}

	for i := range aligned.Datasets {
		ds := &aligned.Datasets[i]

		ch, err := data.CreateGroup(ds.Name)
		if err != nil {
			return fmt.Errorf("group data/%s: %w", ds.Name, err)
		}

		n := uint(len(ds.PulseIDs))
		dims := []uint{n}
		for _, d := range ds.ElemShape {
			dims = append(dims, uint(d))
		}

		err = writeValues(ch, "data", ds, dims)
		if err == nil {
			err = writeArray(ch, "pulse_id", hdf5.T_NATIVE_INT64, []uint{n}, &ds.PulseIDs)
		}
		if err == nil {
			err = writeArray(ch, "is_data_present", hdf5.T_NATIVE_UINT8, []uint{n}, &ds.Present)
		}
		if err == nil {
			err = writeArray(ch, "global_date", hdf5.T_GO_STRING, []uint{n}, &ds.GlobalDates)
		}
		ch.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
