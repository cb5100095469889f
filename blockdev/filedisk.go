// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package blockdev

import (
	"fmt"
	"os"

	"github.com/NVIDIA/cstruct"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/bcache/blunder"
	"github.com/NVIDIA/bcache/logger"
)

// A disk image file starts with an imageHeaderSize byte header (a cstruct-packed
// imageHeaderV1Struct, zero padded) followed by NumBlocks blocks of BlockSize bytes.

const (
	imageHeaderSize = uint64(4096)
	imageMagic      = uint64(0x4243414348450001) // "BCACHE" + 0x0001
	imageVersionV1  = uint32(1)
)

type imageHeaderV1Struct struct {
	Magic     uint64
	Version   uint32
	BlockSize uint32
	NumBlocks uint64
}

// FileDevice is a Device backed by a disk image file.
type FileDevice struct {
	path   string
	file   *os.File
	fd     int
	header imageHeaderV1Struct
}

// FormatImage creates (or truncates) the disk image at path with numBlocks zeroed blocks of blockSize bytes.
func FormatImage(path string, blockSize uint32, numBlocks uint64) (err error) {
	var (
		file        *os.File
		header      imageHeaderV1Struct
		headerBuf   []byte
		paddedBuf   []byte
		bytesNeeded uint64
	)

	if (0 == blockSize) || (0 == numBlocks) || (uint64(1)<<32 < numBlocks) {
		err = blunder.NewError(blunder.InvalidArgError, "blockdev.FormatImage(%v): invalid blockSize (%v) or numBlocks (%v)", path, blockSize, numBlocks)
		return
	}

	header = imageHeaderV1Struct{
		Magic:     imageMagic,
		Version:   imageVersionV1,
		BlockSize: blockSize,
		NumBlocks: numBlocks,
	}

	bytesNeeded, _, err = cstruct.Examine(header)
	if nil != err {
		return
	}
	if bytesNeeded > imageHeaderSize {
		err = fmt.Errorf("blockdev.FormatImage(): header needs %v bytes (more than %v)", bytesNeeded, imageHeaderSize)
		return
	}

	headerBuf, err = cstruct.Pack(header, cstruct.LittleEndian)
	if nil != err {
		return
	}

	paddedBuf = make([]byte, imageHeaderSize)
	copy(paddedBuf, headerBuf)

	file, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if nil != err {
		return
	}
	defer func() {
		closeErr := file.Close()
		if nil == err {
			err = closeErr
		}
	}()

	_, err = unix.Pwrite(int(file.Fd()), paddedBuf, 0)
	if nil != err {
		err = blunder.AddError(fmt.Errorf("blockdev.FormatImage(%v): header write failed: %v", path, err), blunder.IOError)
		return
	}

	err = unix.Ftruncate(int(file.Fd()), int64(imageHeaderSize+uint64(blockSize)*numBlocks))
	if nil != err {
		err = blunder.AddError(fmt.Errorf("blockdev.FormatImage(%v): ftruncate failed: %v", path, err), blunder.IOError)
		return
	}

	err = unix.Fsync(int(file.Fd()))
	if nil != err {
		err = blunder.AddError(fmt.Errorf("blockdev.FormatImage(%v): fsync failed: %v", path, err), blunder.IOError)
		return
	}

	logger.Infof("blockdev: formatted %v BlockSize: %v NumBlocks: %v", path, blockSize, numBlocks)

	return
}

// OpenFileDevice opens the disk image at path previously created by FormatImage.
func OpenFileDevice(path string) (fileDevice *FileDevice, err error) {
	var (
		file       *os.File
		headerBuf  []byte
		n          int
		stat       unix.Stat_t
		imageBytes uint64
	)

	file, err = os.OpenFile(path, os.O_RDWR, 0)
	if nil != err {
		return
	}

	fileDevice = &FileDevice{path: path, file: file, fd: int(file.Fd())}

	defer func() {
		if nil != err {
			_ = file.Close()
			fileDevice = nil
		}
	}()

	headerBuf = make([]byte, imageHeaderSize)

	n, err = unix.Pread(fileDevice.fd, headerBuf, 0)
	if nil != err {
		err = blunder.AddError(fmt.Errorf("blockdev.OpenFileDevice(%v): header read failed: %v", path, err), blunder.IOError)
		return
	}
	if uint64(n) != imageHeaderSize {
		err = blunder.NewError(blunder.CorruptImageError, "blockdev.OpenFileDevice(%v): short header (%v bytes)", path, n)
		return
	}

	_, err = cstruct.Unpack(headerBuf, &fileDevice.header, cstruct.LittleEndian)
	if nil != err {
		err = blunder.AddError(fmt.Errorf("blockdev.OpenFileDevice(%v): header unpack failed: %v", path, err), blunder.CorruptImageError)
		return
	}

	if imageMagic != fileDevice.header.Magic {
		err = blunder.NewError(blunder.CorruptImageError, "blockdev.OpenFileDevice(%v): bad magic 0x%016X", path, fileDevice.header.Magic)
		return
	}
	if imageVersionV1 != fileDevice.header.Version {
		err = blunder.NewError(blunder.CorruptImageError, "blockdev.OpenFileDevice(%v): unsupported version %v", path, fileDevice.header.Version)
		return
	}
	if (0 == fileDevice.header.BlockSize) || (0 == fileDevice.header.NumBlocks) {
		err = blunder.NewError(blunder.CorruptImageError, "blockdev.OpenFileDevice(%v): empty geometry", path)
		return
	}

	err = unix.Fstat(fileDevice.fd, &stat)
	if nil != err {
		err = blunder.AddError(fmt.Errorf("blockdev.OpenFileDevice(%v): fstat failed: %v", path, err), blunder.IOError)
		return
	}

	imageBytes = imageHeaderSize + uint64(fileDevice.header.BlockSize)*fileDevice.header.NumBlocks
	if uint64(stat.Size) < imageBytes {
		err = blunder.NewError(blunder.CorruptImageError, "blockdev.OpenFileDevice(%v): size %v less than %v", path, stat.Size, imageBytes)
		return
	}

	return
}

func (fileDevice *FileDevice) BlockSize() uint32 {
	return fileDevice.header.BlockSize
}

func (fileDevice *FileDevice) NumBlocks() uint64 {
	return fileDevice.header.NumBlocks
}

func (fileDevice *FileDevice) blockOffset(blockNo uint32) int64 {
	return int64(imageHeaderSize + uint64(blockNo)*uint64(fileDevice.header.BlockSize))
}

func (fileDevice *FileDevice) ReadBlock(blockNo uint32, buf []byte) (err error) {
	err = checkTransfer(fileDevice, blockNo, buf)
	if nil != err {
		return
	}

	n, err := unix.Pread(fileDevice.fd, buf, fileDevice.blockOffset(blockNo))
	if nil != err {
		err = blunder.AddError(fmt.Errorf("blockdev: %v pread(blockNo: %v) failed: %v", fileDevice.path, blockNo, err), blunder.IOError)
		return
	}
	if len(buf) != n {
		err = blunder.NewError(blunder.IOError, "blockdev: %v pread(blockNo: %v) returned %v bytes", fileDevice.path, blockNo, n)
	}

	return
}

func (fileDevice *FileDevice) WriteBlock(blockNo uint32, buf []byte) (err error) {
	err = checkTransfer(fileDevice, blockNo, buf)
	if nil != err {
		return
	}

	n, err := unix.Pwrite(fileDevice.fd, buf, fileDevice.blockOffset(blockNo))
	if nil != err {
		err = blunder.AddError(fmt.Errorf("blockdev: %v pwrite(blockNo: %v) failed: %v", fileDevice.path, blockNo, err), blunder.IOError)
		return
	}
	if len(buf) != n {
		err = blunder.NewError(blunder.IOError, "blockdev: %v pwrite(blockNo: %v) wrote %v bytes", fileDevice.path, blockNo, n)
	}

	return
}

func (fileDevice *FileDevice) Flush() (err error) {
	err = unix.Fsync(fileDevice.fd)
	if nil != err {
		err = blunder.AddError(fmt.Errorf("blockdev: %v fsync failed: %v", fileDevice.path, err), blunder.IOError)
	}
	return
}

func (fileDevice *FileDevice) Close() (err error) {
	err = fileDevice.Flush()
	closeErr := fileDevice.file.Close()
	if nil == err {
		err = closeErr
	}
	return
}
