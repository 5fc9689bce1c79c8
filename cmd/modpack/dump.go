// Copyright (c) Kristal Tools & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/kristal-tools/modpack/pe"
	"github.com/kristal-tools/modpack/verpatch"
	"github.com/kristal-tools/modpack/versioninfo"
	"github.com/spf13/cobra"
)

var dumpCmd = &cobra.Command{
	Use:   "dump <file.exe>",
	Short: "Prints the version resource of an executable",
	Args:  cobra.ExactArgs(1),
	RunE:  runDump,
}

var (
	dumpHeaders   bool
	dumpSections  bool
	dumpResources bool
)

func init() {
	f := dumpCmd.Flags()
	f.BoolVar(&dumpHeaders, "headers", false, "dump essential headers")
	f.BoolVar(&dumpSections, "sections", false, "dump section headers")
	f.BoolVar(&dumpResources, "resources", false, "dump the resource directory")
}

func runDump(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return fmt.Errorf("mapping %q: %w", args[0], err)
	}
	defer data.Unmap()

	img, err := pe.Parse(data)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()

	if dumpHeaders {
		runDumpHeaders(w, img)
	}
	if dumpSections {
		runDumpSections(w, img)
	}
	if dumpResources {
		if err := runDumpResources(w, img); err != nil {
			return err
		}
	}

	b, found, err := verpatch.Inspect(data)
	if err != nil {
		return err
	}
	if !found {
		fmt.Fprintln(w, "No version resource.")
		return nil
	}
	runDumpVersion(w, b)
	return nil
}

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(title)
	t.SetStyle(table.StyleLight)
	return t
}

func runDumpHeaders(w io.Writer, img *pe.Image) {
	fh := img.FileHeader()
	t := newTable(w, "Headers")
	t.AppendRows([]table.Row{
		{"Machine", fmt.Sprintf("0x%04X", fh.Machine)},
		{"Sections", fh.NumberOfSections},
		{"TimeDateStamp", fmt.Sprintf("0x%08X", fh.TimeDateStamp)},
		{"Characteristics", fmt.Sprintf("0x%04X", fh.Characteristics)},
		{"PE32+", img.Is64()},
		{"CheckSum", fmt.Sprintf("0x%08X", img.CheckSum())},
		{"Signed", img.IsSigned()},
		{"Overlay", len(img.Overlay())},
	})
	t.Render()
}

func runDumpSections(w io.Writer, img *pe.Image) {
	t := newTable(w, "Sections")
	t.AppendHeader(table.Row{"#", "Name", "VirtualAddress", "VirtualSize", "PointerToRawData", "SizeOfRawData", "Characteristics"})
	for i, s := range img.Sections() {
		t.AppendRow(table.Row{
			i,
			s.NameString(),
			fmt.Sprintf("0x%08X", s.VirtualAddress),
			fmt.Sprintf("0x%X", s.VirtualSize),
			fmt.Sprintf("0x%08X", s.PointerToRawData),
			fmt.Sprintf("0x%X", s.SizeOfRawData),
			fmt.Sprintf("0x%08X", s.Characteristics),
		})
	}
	t.Render()
}

func runDumpResources(w io.Writer, img *pe.Image) error {
	tree, err := pe.ParseResources(img)
	if err != nil {
		return err
	}
	t := newTable(w, "Resources")
	t.AppendHeader(table.Row{"Type", "Name", "Language", "CodePage", "Size"})
	tree.Walk(func(r pe.Resource) bool {
		t.AppendRow(table.Row{r.Type, r.Name, fmt.Sprintf("0x%04X", r.Lang), r.CodePage, len(r.Data)})
		return true
	})
	t.Render()
	return nil
}

func runDumpVersion(w io.Writer, b *versioninfo.Block) {
	fixed := newTable(w, "VS_FIXEDFILEINFO")
	fixed.AppendRows([]table.Row{
		{"FileVersion", b.Fixed.FileVersion().DotString()},
		{"ProductVersion", b.Fixed.ProductVersion().DotString()},
		{"FileFlags", fmt.Sprintf("0x%08X", b.Fixed.FileFlags&b.Fixed.FileFlagsMask)},
		{"FileOS", fmt.Sprintf("0x%08X", b.Fixed.FileOS)},
		{"FileType", fmt.Sprintf("0x%08X", b.Fixed.FileType)},
	})
	fixed.Render()

	for _, st := range b.Tables {
		t := newTable(w, "StringFileInfo "+st.ID.Key())
		t.AppendHeader(table.Row{"Key", "Value"})
		for _, s := range st.Strings {
			t.AppendRow(table.Row{s.Key, s.Value})
		}
		t.Render()
	}
}
