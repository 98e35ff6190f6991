package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/soypat/saleae"
	"github.com/soypat/saleae/analyzers"
	"github.com/soypat/winc1500/nmspi"
	"golang.org/x/exp/constraints"
)

// Optional flags.
var (
	timingsOutput string
)

type Analyzer struct {
	// CRC is set when command frames carry the trailing CRC7 byte. The
	// driver disables CRC during Init so only the first frames of a capture
	// usually carry it.
	CRC          bool
	OmitRead     bool
	OmitWrite    bool
	OmitData     bool
	OmitInternal bool
}

func main() {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(handler))
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "wincanalyze - Process Binary Saleae digital data files corresponding to WINC1500 SPI transactions.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	mosi := flag.String("f-mosi", "digital_1.bin", "Input filename: SPI MOSI data.")
	miso := flag.String("f-miso", "digital_3.bin", "Input filename: SPI MISO data.")
	enable := flag.String("f-cs", "digital_0.bin", "Input filename: SPI CS/SS data.")
	clk := flag.String("f-clk", "digital_2.bin", "Input filename: SPI clock data.")
	output := flag.String("o-cmd", "commands.txt", "Output filename of WINC1500 command transactions.")
	flag.StringVar(&timingsOutput, "o-time", "", "Output timing data to a file corresponding to output command history line-by-line.")
	crc := flag.Bool("crc", false, "Expect CRC7 byte trailing every command frame.")
	omitRead := flag.Bool("omit-read", false, "Choose to omit read commands in output.")
	omitWrite := flag.Bool("omit-write", false, "Choose to omit write commands in output.")
	omitData := flag.Bool("omit-data", false, "Choose to omit bytes following the command frame.")
	omitInternal := flag.Bool("omit-internal", false, "Omit internal register commands used by the bus during wake and sleep.")
	flag.Parse()

	an := Analyzer{
		CRC:          *crc,
		OmitRead:     *omitRead,
		OmitWrite:    *omitWrite,
		OmitData:     *omitData,
		OmitInternal: *omitInternal,
	}
	if an.OmitRead && an.OmitWrite {
		slog.Error("cannot omit both read and write commands")
		os.Exit(1)
	}
	start := time.Now()
	if err := an.run(*mosi, *miso, *enable, *clk, *output); err != nil {
		slog.Error("analyze", slog.String("err", err.Error()))
		os.Exit(1)
	}
	slog.Info("finished", slog.Duration("elapsed", time.Since(start)))
}

func (an *Analyzer) run(mosi, miso, enable, clk, output string) error {
	txs, err := an.processSpiFiles(mosi, miso, clk, enable)
	if err != nil {
		return err
	}
	fp, err := os.Create(output)
	if err != nil {
		return err
	}
	defer fp.Close()

	var timings *os.File
	if timingsOutput != "" {
		slog.Info("creating timings file", slog.String("name", timingsOutput))
		timings, err = os.Create(timingsOutput)
		if err != nil {
			return err
		}
		defer timings.Close()
	}
	var nerr int
	for _, tx := range txs {
		if tx.Err != nil {
			nerr++
		}
		if an.omit(tx) {
			continue
		}
		err = an.writeTx(fp, tx)
		if err != nil {
			return err
		}
		if timings != nil {
			fmt.Fprintf(timings, "t=%f\tcmd=%s\n", tx.Start, tx.Cmd.Cmd)
		}
	}
	if nerr > 0 {
		slog.Warn("frames with errors", slog.Int("count", nerr))
	}
	return nil
}

func (an *Analyzer) processSpiFiles(fmosi, fmiso, fclk, fenable string) ([]winctx, error) {
	mosi, err := opendigital(fmosi)
	if err != nil {
		return nil, err
	}
	miso, err := opendigital(fmiso)
	if err != nil {
		return nil, err
	}
	clk, err := opendigital(fclk)
	if err != nil {
		return nil, err
	}
	enable, err := opendigital(fenable)
	if err != nil {
		return nil, err
	}
	spi := analyzers.SPI{}
	txs, _ := spi.Scan(clk, enable, mosi, miso)
	frames := make([][]byte, len(txs))
	starts := make([]float64, len(txs))
	for i := range txs {
		frames[i] = txs[i].SDO
		starts[i] = txs[i].StartTime()
	}
	return an.process(frames, starts), nil
}

func opendigital(filename string) (*saleae.DigitalFile, error) {
	fp, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	df, err := saleae.ReadDigitalFile(fp)
	if err != nil {
		return nil, err
	}
	return df, nil
}

type winctx struct {
	Num   int
	Cmd   nmspi.Command
	Err   error
	Data  []byte
	Start float64
}

// decode decodes the command frame leading the host output of a transaction.
// Bytes following the frame are returned as data with idle bytes trimmed.
func (an *Analyzer) decode(sdo []byte) (cmd nmspi.Command, data []byte, err error) {
	cmd, n, err := nmspi.DecodeCommand(sdo, an.CRC)
	if n == 0 {
		return cmd, sdo, err
	}
	data = sdo[n:]
	for len(data) > 0 && (data[0] == 0 || data[0] == 0xff) {
		data = data[1:]
	}
	return cmd, data, err
}

// process decodes transactions and folds consecutive identical transactions,
// such as register polls, into a single entry.
func (an *Analyzer) process(frames [][]byte, starts []float64) (txs []winctx) {
	for i := 0; i < len(frames); i++ {
		cmd, data, err := an.decode(frames[i])
		num := 1
		for j := i + 1; j < len(frames); j++ {
			nextcmd, nextdata, nexterr := an.decode(frames[j])
			if nextcmd != cmd || nexterr != err || !bytes.Equal(data, nextdata) {
				break
			}
			num++
			i = j
		}
		tx := winctx{Num: num, Cmd: cmd, Err: err, Data: data}
		if i < len(starts) {
			tx.Start = starts[i-num+1]
		}
		txs = append(txs, tx)
	}
	return txs
}

func (an *Analyzer) omit(tx winctx) bool {
	c := tx.Cmd.Cmd
	internal := c == nmspi.CMD_INTERNAL_READ || c == nmspi.CMD_INTERNAL_WRITE
	return (an.OmitRead && !c.IsWrite()) || (an.OmitWrite && c.IsWrite()) ||
		(an.OmitInternal && internal)
}

func (an *Analyzer) writeTx(w io.Writer, tx winctx) (err error) {
	c := tx.Cmd
	_, err = fmt.Fprintf(w, "cmd×%2d %-14s addr=%#7x", tx.Num, c.Cmd.String(), c.Addr)
	if err != nil {
		return err
	}
	switch c.Cmd {
	case nmspi.CMD_DMA_READ, nmspi.CMD_DMA_WRITE, nmspi.CMD_DMA_EXT_READ, nmspi.CMD_DMA_EXT_WRITE:
		fmt.Fprintf(w, " sz=%5d", c.Size)
	case nmspi.CMD_SINGLE_WRITE, nmspi.CMD_INTERNAL_WRITE:
		fmt.Fprintf(w, " val=0x%08x", c.Data)
	}
	if c.Clockless {
		fmt.Fprint(w, " clockless")
	}
	if tx.Err != nil {
		fmt.Fprintf(w, " err=%q", tx.Err.Error())
	}
	if !an.OmitData && len(tx.Data) > 0 {
		fmt.Fprintf(w, " data=%#x", tx.Data[:min(len(tx.Data), 64)])
	}
	_, err = fmt.Fprintln(w)
	return err
}

func min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}
