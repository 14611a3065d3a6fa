package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/hupe1980/gptq/matrix"
	"github.com/hupe1980/gptq/packing"
	"github.com/hupe1980/gptq/persistence"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [PREFIX]",
		Short: "List artifacts in the store",
		Args:  cobra.MaximumNArgs(1),
		RunE:  ListHandler,
	}
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect NAME",
		Short: "Show the header and metadata of an artifact",
		Args:  cobra.ExactArgs(1),
		RunE:  InspectHandler,
	}
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify NAME...",
		Short: "Check artifact checksums and the pack/unpack round trip",
		Args:  cobra.MinimumNArgs(1),
		RunE:  VerifyHandler,
	}
}

func newDequantizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dequantize NAME",
		Short: "Write the dequantized weight as a raw little-endian buffer",
		Args:  cobra.ExactArgs(1),
		RunE:  DequantizeHandler,
	}
	cmd.Flags().StringP("out", "o", "", "Output file")
	cmd.Flags().String("dtype", "f32", "Output dtype (f32 or f16)")
	return cmd
}

func ListHandler(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx, cmd)
	if err != nil {
		return err
	}

	prefix := ""
	if len(args) == 1 {
		prefix = args[0]
	}
	names, err := store.List(ctx, prefix)
	if err != nil {
		return err
	}

	var data [][]string
	for _, name := range names {
		h, err := persistence.Stat(ctx, store, name)
		if err != nil {
			// Not every blob is an artifact.
			continue
		}
		data = append(data, []string{
			name,
			strconv.Itoa(int(h.Bits)),
			fmt.Sprintf("%dx%d", h.Rows, h.Columns),
			strconv.Itoa(int(h.GroupSize)),
			h.Compression.String(),
			strconv.FormatInt(h.Size(), 10),
		})
	}

	table := newTable(cmd.OutOrStdout())
	table.SetHeader([]string{"NAME", "BITS", "SHAPE", "GROUP SIZE", "COMPRESSION", "SIZE"})
	table.AppendBulk(data)
	table.Render()
	return nil
}

func InspectHandler(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx, cmd)
	if err != nil {
		return err
	}
	art, err := persistence.Load(ctx, store, args[0])
	if err != nil {
		return err
	}

	h, meta := art.Header, art.Metadata
	codecName, err := h.CodecName()
	if err != nil {
		return err
	}

	data := [][]string{
		{"ID:", art.ID().String()},
		{"Name:", meta.Name},
		{"Version:", strconv.Itoa(int(h.Version))},
		{"Bits:", strconv.Itoa(int(h.Bits))},
		{"Shape:", fmt.Sprintf("%dx%d", h.Rows, h.Columns)},
		{"Group size:", strconv.Itoa(int(h.GroupSize))},
		{"Groups:", strconv.Itoa(int(h.Groups))},
		{"Scale dtype:", h.ScaleDType.String()},
		{"Bias:", strconv.FormatBool(h.Flags.Has(persistence.FlagBias))},
		{"Codec:", codecName},
		{"Compression:", h.Compression.String()},
		{"Payload:", fmt.Sprintf("%d bytes (%d raw)", h.PayloadLen, h.RawLen)},
		{"Checksum:", fmt.Sprintf("%08x", h.Checksum)},
		{"Loss:", fmt.Sprintf("%.6g", meta.Loss)},
		{"Damping:", fmt.Sprintf("%g", meta.Damping)},
		{"Symmetric:", strconv.FormatBool(meta.Symmetric)},
		{"Act order:", strconv.FormatBool(meta.ActOrder)},
		{"Static groups:", strconv.FormatBool(meta.StaticGroups)},
		{"Created:", meta.CreatedAt.Format(time.RFC3339)},
	}
	for k, v := range meta.Extra {
		data = append(data, []string{k + ":", v})
	}

	table := newTable(cmd.OutOrStdout())
	table.SetHeaderLine(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding(" ")
	table.AppendBulk(data)
	table.Render()
	return nil
}

func VerifyHandler(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx, cmd)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	failed := 0
	for _, name := range args {
		art, err := persistence.Load(ctx, store, name)
		if err == nil {
			err = art.Verify()
		}
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL %s: %v\n", name, err)
			continue
		}
		fmt.Fprintf(out, "OK   %s\n", name)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d artifacts failed verification", failed, len(args))
	}
	return nil
}

func DequantizeHandler(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx, cmd)
	if err != nil {
		return err
	}

	outPath, _ := cmd.Flags().GetString("out")
	dst, name, err := splitOutput(outPath)
	if err != nil {
		return err
	}
	dtypeName, _ := cmd.Flags().GetString("dtype")
	dtype, err := matrix.ParseDType(dtypeName)
	if err != nil {
		return err
	}

	art, err := persistence.Load(ctx, store, args[0])
	if err != nil {
		return err
	}
	w, err := packing.Dequantize(art.Layer)
	if err != nil {
		return err
	}
	data, err := matrix.Encode(w, dtype)
	if err != nil {
		return err
	}
	if err := dst.Put(ctx, name, data); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %dx%d %s weight to %s\n", w.Rows(), w.Cols(), dtype, outPath)
	return nil
}

func newTable(w io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	return table
}
