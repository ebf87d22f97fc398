// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wasmudf

import (
	"context"
	"fmt"
)

// Response record status values.
const (
	StatusOK    = 0
	StatusError = 1
)

// ResponseSize is the size in bytes of the response record and of the
// result bundle.
const ResponseSize = 3 * slotWidth

// reportSuccess writes [0, bundle, 0] at resp.
func reportSuccess(mem Memory, enc SlotEncoding, resp, bundle uint32) error {
	if !writeSlots(mem, enc, resp, StatusOK, uint64(bundle), 0) {
		return fmt.Errorf("response record at %d lies outside memory", resp)
	}
	return nil
}

// reportError copies msg into a fresh buffer and writes [1, addr, len] at
// resp. If the message cannot be stored the record still reports the
// failure, as [1, 0, 0], and the storage error is returned.
func reportError(ctx context.Context, arena Arena, enc SlotEncoding, resp uint32, msg string) error {
	size := uint32(len(msg))
	addr, err := arena.Allocate(ctx, size)
	if err == nil && !arena.Write(addr, []byte(msg)) {
		err = fmt.Errorf("message buffer at %d lies outside memory", addr)
	}
	if err != nil {
		if !writeSlots(arena, enc, resp, StatusError, 0, 0) {
			return fmt.Errorf("response record at %d lies outside memory", resp)
		}
		return fmt.Errorf("storing %d byte error message: %w", size, err)
	}
	if !writeSlots(arena, enc, resp, StatusError, uint64(addr), uint64(size)) {
		return fmt.Errorf("response record at %d lies outside memory", resp)
	}
	return nil
}

// Response is a decoded response record.
type Response struct {
	Status    uint64
	Primary   uint64
	Secondary uint64
}

// ReadResponse decodes the response record at addr.
func ReadResponse(mem Memory, enc SlotEncoding, addr uint32) (Response, error) {
	slots, err := readSlots(mem, enc, addr, 3)
	if err != nil {
		return Response{}, err
	}
	return Response{Status: slots[0], Primary: slots[1], Secondary: slots[2]}, nil
}

// ErrorMessage returns the error text of a failed response.
func (r Response) ErrorMessage(mem Memory) (string, error) {
	if r.Status != StatusError {
		return "", fmt.Errorf("response status %d is not an error", r.Status)
	}
	if r.Primary == 0 {
		return "", nil
	}
	addr, err := toAddress(r.Primary)
	if err != nil {
		return "", err
	}
	b, ok := mem.Read(addr, uint32(r.Secondary))
	if !ok {
		return "", fmt.Errorf("error message [%d, +%d) outside memory", addr, r.Secondary)
	}
	return string(b), nil
}

// Bundle returns the result bundle [data, validity, lengths] of a successful
// response.
func (r Response) Bundle(mem Memory, enc SlotEncoding) ([3]uint32, error) {
	var out [3]uint32
	if r.Status != StatusOK {
		return out, fmt.Errorf("response status %d is not success", r.Status)
	}
	addr, err := toAddress(r.Primary)
	if err != nil {
		return out, err
	}
	slots, err := readSlots(mem, enc, addr, 3)
	if err != nil {
		return out, err
	}
	for i, s := range slots {
		if out[i], err = toAddress(s); err != nil {
			return out, err
		}
	}
	return out, nil
}
