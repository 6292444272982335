package dxeimage

import (
	"context"

	"golang.org/x/text/encoding/unicode"

	"github.com/uefi-go/dxeimage/protocols"
)

// Device path node type/subtype bytes this resolver inspects.
const (
	devicePathTypeMedia = 0x04
	devicePathTypeEnd   = 0x7f

	devicePathSubtypeFilePath       = 0x04
	devicePathSubtypePIWGFirmware   = 0x06
	devicePathSubtypeEndEntireDevPath = 0xff
)

// devicePathNodeHeader is the 4-byte header common to every device path
// node: type, subtype, and little-endian total length (including header).
type devicePathNodeHeader struct {
	Type    byte
	SubType byte
	Length  uint16
}

// ResolveImageBytes implements the image source fallback chain: Firmware
// Volume, then Simple File System, then (when !bootPolicy) LoadFile2, then
// LoadFile. The first source to succeed wins; exhaustion is NotFound.
// sourceBuffer, when non-nil, is returned immediately without consulting
// any collaborator; the caller already supplied the image bytes directly.
func ResolveImageBytes(ctx context.Context, c *protocols.Collaborators, devicePath []byte, bootPolicy bool, sourceBuffer []byte) (data []byte, fromFV bool, err error) {
	if sourceBuffer != nil {
		return sourceBuffer, false, nil
	}
	if len(devicePath) == 0 {
		return nil, false, wrapStatus(InvalidParameter, "nil device path and no source buffer", nil)
	}

	if data, err := resolveFromFirmwareVolume(c, devicePath); err == nil {
		return data, true, nil
	}

	if data, err := resolveFromSimpleFileSystem(c, devicePath); err == nil {
		return data, false, nil
	}

	if !bootPolicy {
		if data, err := resolveFromLoadProtocol(ctx, c, c.LoadFile2, devicePath, bootPolicy); err == nil {
			return data, false, nil
		}
	}

	if data, err := resolveFromLoadProtocol(ctx, c, c.LoadFile, devicePath, bootPolicy); err == nil {
		return data, false, nil
	}

	return nil, false, wrapStatus(NotFound, "no image source resolved the device path", nil)
}

// fileGUIDFromDevicePath validates that the device path's first node is a
// PIWG firmware file media node and extracts its 16-byte file GUID.
func fileGUIDFromDevicePath(path []byte) (protocols.GUID, []byte, error) {
	var guid protocols.GUID
	if len(path) < 4 {
		return guid, nil, wrapStatus(BadBufferSize, "device path shorter than a node header", nil)
	}
	hdr, rest, err := readDevicePathNode(path)
	if err != nil {
		return guid, nil, err
	}
	if hdr.Type != devicePathTypeMedia || hdr.SubType != devicePathSubtypePIWGFirmware {
		return guid, nil, wrapStatus(Unsupported, "device path does not begin with a firmware file node", nil)
	}
	nodeData := path[4:hdr.Length]
	if len(nodeData) != 16 {
		return guid, nil, wrapStatus(BadBufferSize, "firmware file node GUID has wrong length", nil)
	}
	copy(guid[:], nodeData)
	return guid, rest, nil
}

func readDevicePathNode(path []byte) (devicePathNodeHeader, []byte, error) {
	if len(path) < 4 {
		return devicePathNodeHeader{}, nil, wrapStatus(BadBufferSize, "device path node truncated", nil)
	}
	hdr := devicePathNodeHeader{
		Type:    path[0],
		SubType: path[1],
		Length:  uint16(path[2]) | uint16(path[3])<<8,
	}
	if int(hdr.Length) < 4 || int(hdr.Length) > len(path) {
		return devicePathNodeHeader{}, nil, wrapStatus(BadBufferSize, "device path node length invalid", nil)
	}
	return hdr, path[hdr.Length:], nil
}

func resolveFromFirmwareVolume(c *protocols.Collaborators, devicePath []byte) ([]byte, error) {
	if c == nil || c.FirmwareVolume == nil || c.DevicePaths == nil {
		return nil, ErrNotFound
	}
	fvGUID, _, err := fileGUIDFromDevicePath(devicePath)
	if err != nil {
		return nil, err
	}
	handle, _, err := c.DevicePaths.LocateDevicePath(fvGUID, devicePath)
	if err != nil {
		return nil, wrapStatus(NotFound, "no firmware volume owns this device path", err)
	}
	fv, ok := c.FirmwareVolume(handle)
	if !ok {
		return nil, ErrNotFound
	}
	data, _, err := fv.ReadSection(fvGUID, 0)
	if err != nil {
		return nil, wrapStatus(NotFound, "firmware volume read_section failed", err)
	}
	return data, nil
}

func resolveFromSimpleFileSystem(c *protocols.Collaborators, devicePath []byte) ([]byte, error) {
	if c == nil || c.SimpleFS == nil || c.DevicePaths == nil {
		return nil, ErrNotFound
	}
	var guid protocols.GUID
	handle, remaining, err := c.DevicePaths.LocateDevicePath(guid, devicePath)
	if err != nil {
		return nil, wrapStatus(NotFound, "no simple file system owns this device path", err)
	}
	sfs, ok := c.SimpleFS(handle)
	if !ok {
		return nil, ErrNotFound
	}

	root, err := sfs.OpenVolume()
	if err != nil {
		return nil, wrapStatus(DeviceError, "OpenVolume failed", err)
	}
	defer root.Close()

	cur := root
	for len(remaining) > 0 {
		hdr, rest, err := readDevicePathNode(remaining)
		if err != nil {
			return nil, err
		}
		if hdr.Type == devicePathTypeEnd {
			break
		}
		if hdr.Type != devicePathTypeMedia || hdr.SubType != devicePathSubtypeFilePath {
			return nil, wrapStatus(Unsupported, "device path node is not a file path", nil)
		}
		name, err := decodeUTF16DevicePathName(remaining[4:hdr.Length])
		if err != nil {
			return nil, err
		}
		next, err := cur.Open(name)
		if err != nil {
			return nil, wrapStatus(NotFound, "file not found on volume", err)
		}
		cur = next
		remaining = rest
	}

	size, err := cur.Size()
	if err != nil {
		return nil, wrapStatus(DeviceError, "could not determine file size", err)
	}
	buf := make([]byte, size)
	if _, err := cur.Read(buf); err != nil {
		return nil, wrapStatus(DeviceError, "file read failed", err)
	}
	return buf, nil
}

// decodeUTF16DevicePathName decodes a device path file-name node's raw
// UTF-16LE bytes.
func decodeUTF16DevicePathName(raw []byte) (string, error) {
	dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	out, err := dec.Bytes(raw)
	if err != nil {
		return "", wrapStatus(DeviceError, "failed to decode UTF-16 file name", err)
	}
	// Trim the embedded NUL terminator device path file-name nodes carry.
	for i, b := range out {
		if b == 0 {
			out = out[:i]
			break
		}
	}
	return string(out), nil
}

func resolveFromLoadProtocol(ctx context.Context, c *protocols.Collaborators, lookup func(protocols.Handle) (protocols.LoadFileProtocol, bool), devicePath []byte, bootPolicy bool) ([]byte, error) {
	if c == nil || lookup == nil || c.DevicePaths == nil {
		return nil, ErrNotFound
	}
	var guid protocols.GUID
	handle, _, err := c.DevicePaths.LocateDevicePath(guid, devicePath)
	if err != nil {
		return nil, wrapStatus(NotFound, "no LoadFile protocol owns this device path", err)
	}
	lf, ok := lookup(handle)
	if !ok {
		return nil, ErrNotFound
	}

	size, err := lf.LoadFile(ctx, devicePath, bootPolicy, nil)
	if err == nil {
		// A nil-buffer query that reports success is a protocol violation:
		// it must report BufferTooSmall with the required size.
		return nil, wrapStatus(DeviceError, "LoadFile size query returned success instead of BufferTooSmall", nil)
	}
	if !isBufferTooSmall(err) {
		return nil, wrapStatus(DeviceError, "LoadFile size query failed", err)
	}

	buf := make([]byte, size)
	if _, err := lf.LoadFile(ctx, devicePath, bootPolicy, buf); err != nil {
		return nil, wrapStatus(DeviceError, "LoadFile read failed", err)
	}
	return buf, nil
}

// isBufferTooSmall reports whether err is the BadBufferSize status the
// size-query call of the LoadFile handshake is contractually required to
// return.
func isBufferTooSmall(err error) bool {
	s, ok := err.(*Status)
	return ok && s.Kind() == BadBufferSize
}
