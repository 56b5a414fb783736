/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package ulconfig is the input-side configuration surface for the parser
// core: where the uuidtext/dsc catalog, timesync directory, and tracev3
// input live, plus a catalog-miss tolerance setting. The CLI
// (out of scope for this module) is expected to populate a SourceConfig and
// hand it to parser.Open.
package ulconfig

import (
	"bytes"
	"errors"
	"io"
	"os"

	"github.com/gravwell/gcfg"
)

const maxConfigSize int64 = 4 * 1024 * 1024

var (
	ErrConfigFileTooLarge = errors.New("config file is too large")
	ErrFailedFileRead     = errors.New("failed to read entire config file")
	ErrMissingUuidtext    = errors.New("Uuidtext-Path is required")
	ErrMissingTracev3     = errors.New("Tracev3-Path is required")
)

// SourceConfig is the gcfg-loadable [global] section describing the inputs
// a Parser needs. Field names follow gcfg's underscore-to-dash convention,
// e.g. Uuidtext_Path maps to the "Uuidtext-Path" key.
type SourceConfig struct {
	Global struct {
		Uuidtext_Path          string
		Dsc_Path               string // defaults to <Uuidtext-Path>/dsc if empty
		Timesync_Path          string
		Tracev3_Path           string
		Catalog_Miss_Tolerance bool // parsed but not consulted by parser: a catalog miss always yields a placeholder message
		Log_Level              string
	}
}

// LoadFile reads and parses a gcfg-formatted config file at p.
func LoadFile(p string) (*SourceConfig, error) {
	fin, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer fin.Close()
	fi, err := fin.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() > maxConfigSize {
		return nil, ErrConfigFileTooLarge
	}
	bb := bytes.NewBuffer(nil)
	n, err := io.Copy(bb, fin)
	if err != nil {
		return nil, err
	}
	if n != fi.Size() {
		return nil, ErrFailedFileRead
	}
	return LoadBytes(bb.Bytes())
}

// LoadBytes parses a gcfg-formatted config from an in-memory buffer.
func LoadBytes(b []byte) (*SourceConfig, error) {
	var c SourceConfig
	if err := gcfg.ReadStringInto(&c, string(b)); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Verify(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *SourceConfig) applyDefaults() {
	if c.Global.Dsc_Path == `` && c.Global.Uuidtext_Path != `` {
		c.Global.Dsc_Path = c.Global.Uuidtext_Path + "/dsc"
	}
	if c.Global.Log_Level == `` {
		c.Global.Log_Level = "ERROR"
	}
}

// Verify checks that the required paths were provided.
func (c *SourceConfig) Verify() error {
	if c.Global.Uuidtext_Path == `` {
		return ErrMissingUuidtext
	}
	if c.Global.Tracev3_Path == `` {
		return ErrMissingTracev3
	}
	return nil
}
