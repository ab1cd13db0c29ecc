package main

import (
	"archive/zip"
	"bufio"
	"bytes"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	unlockexcel "github.com/jmacadie/unlock-excel"
	kingpin "gopkg.in/alecthomas/kingpin.v2"
)

const (
	// Path of the VBA project blob inside the zip wrapped formats.
	ZIP_VBA_PATH = "xl/vbaProject.bin"

	ZIP_SIGNATURE = "PK\x03\x04"
)

//go:embed password.lst
var defaultWordlist string

var (
	app = kingpin.New("unlock-excel",
		"Inspect and remove VBA project protection from Excel files.")

	readCmd      = app.Command("read", "Report the VBA project protection record.")
	readDecode   = readCmd.Flag("decode", "Attempt a dictionary attack on the password.").Short('d').Bool()
	readWordlist = readCmd.Flag("wordlist", "Password list file, one candidate per line.").ExistingFile()
	readWorkers  = readCmd.Flag("workers", "Parallel workers for the dictionary attack.").Default("0").Int()
	readFile     = readCmd.Arg("file", "Excel file to read.").Required().ExistingFile()

	removeCmd     = app.Command("remove", "Rewrite the file with VBA project protection cleared.")
	removeInplace = removeCmd.Flag("inplace", "Overwrite the original file instead of writing a _unlocked copy.").Short('i').Bool()
	removeFile    = removeCmd.Arg("file", "Excel file to unlock.").Required().ExistingFile()

	modulesCmd  = app.Command("modules", "List the VBA modules and their source code.")
	modulesFile = modulesCmd.Arg("file", "Excel file to read.").Required().ExistingFile()
)

type fileKind int

const (
	kindLegacyWorkbook fileKind = iota // .xls, a compound file directly
	kindZipPackage                     // .xlsm/.xlsb, compound file inside a zip
)

// recordPath is where the protection record stream lives for each
// container layout.
func recordPath(kind fileKind) []string {
	if kind == kindLegacyWorkbook {
		return []string{"_VBA_PROJECT_CUR", "PROJECT"}
	}
	return []string{"PROJECT"}
}

// vbaPrefix is the storage that holds the VBA project for each layout.
func vbaPrefix(kind fileKind) []string {
	if kind == kindLegacyWorkbook {
		return []string{"_VBA_PROJECT_CUR"}
	}
	return nil
}

func sniff(filename string) (fileKind, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xls":
		return kindLegacyWorkbook, nil
	case ".xlsm", ".xlsb":
		return kindZipPackage, nil
	case ".xlsx":
		return 0, fmt.Errorf("%s is an xlsx file: the format cannot carry VBA", filename)
	}

	// Unknown extension: fall back to magic bytes.
	fd, err := os.Open(filename)
	if err != nil {
		return 0, err
	}
	defer fd.Close()
	magic := make([]byte, 8)
	n, err := io.ReadFull(fd, magic)
	if err != nil && err != io.ErrUnexpectedEOF {
		return 0, err
	}
	if n >= 8 && string(magic[:8]) == unlockexcel.OLE_SIGNATURE {
		return kindLegacyWorkbook, nil
	}
	if n >= 4 && string(magic[:4]) == ZIP_SIGNATURE {
		return kindZipPackage, nil
	}
	return 0, fmt.Errorf("%s does not look like an Excel file", filename)
}

// loadContainer returns the raw compound file bytes for the input,
// unwrapping the zip packaging when needed.
func loadContainer(filename string, kind fileKind) ([]byte, error) {
	if kind == kindLegacyWorkbook {
		return os.ReadFile(filename)
	}

	archive, err := zip.OpenReader(filename)
	if err != nil {
		return nil, err
	}
	defer archive.Close()

	for _, f := range archive.File {
		if f.Name != ZIP_VBA_PATH {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("%s has no VBA project (%s missing)", filename, ZIP_VBA_PATH)
}

func loadWordlist(path string) ([]string, error) {
	var reader io.Reader
	if path == "" {
		reader = strings.NewReader(defaultWordlist)
	} else {
		fd, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer fd.Close()
		reader = fd
	}

	var words []string
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		word := strings.TrimSpace(scanner.Text())
		if word != "" {
			words = append(words, word)
		}
	}
	return words, scanner.Err()
}

type ProtectionReport struct {
	Protected    bool
	FormsVisible bool
	Scheme       string
	Salt         string
	Digest       string
	Iterations   int
	Password     *string `json:",omitempty"`
}

func doRead() error {
	kind, err := sniff(*readFile)
	if err != nil {
		return err
	}
	container, err := loadContainer(*readFile, kind)
	if err != nil {
		return err
	}
	record, err := unlockexcel.ReadProtection(container, recordPath(kind)...)
	if err != nil {
		return err
	}

	report := &ProtectionReport{
		Protected:    record.Protected(),
		FormsVisible: record.FormsVisible(),
		Scheme:       record.Scheme.String(),
		Salt:         hex.EncodeToString(record.Salt),
		Digest:       hex.EncodeToString(record.Digest),
		Iterations:   record.Spins,
	}

	if *readDecode && record.Protected() {
		words, err := loadWordlist(*readWordlist)
		if err != nil {
			return err
		}
		workers := *readWorkers
		if workers <= 0 {
			workers = runtime.NumCPU()
		}
		if password, ok := unlockexcel.CrackParallel(record, words, workers); ok {
			report.Password = &password
		} else {
			fmt.Fprintln(os.Stderr,
				"password not in list; try `remove`, which always works")
		}
	}

	return printJSON(report)
}

func doRemove() error {
	kind, err := sniff(*removeFile)
	if err != nil {
		return err
	}
	container, err := loadContainer(*removeFile, kind)
	if err != nil {
		return err
	}
	patched, err := unlockexcel.RemoveProtection(container, recordPath(kind)...)
	if err != nil {
		return err
	}

	target := outPath(*removeFile, *removeInplace)
	var output []byte
	if kind == kindLegacyWorkbook {
		output = patched
	} else {
		output, err = rezip(*removeFile, patched)
		if err != nil {
			return err
		}
	}
	if err := os.WriteFile(target, output, 0644); err != nil {
		return err
	}

	fmt.Printf("unlocked file written to %s\n", target)
	return nil
}

func doModules() error {
	kind, err := sniff(*modulesFile)
	if err != nil {
		return err
	}
	container, err := loadContainer(*modulesFile, kind)
	if err != nil {
		return err
	}
	store, err := unlockexcel.OpenContainer(container)
	if err != nil {
		return err
	}
	directory, err := unlockexcel.OpenDirectory(store)
	if err != nil {
		return err
	}
	modules, err := unlockexcel.ExtractMacros(directory, vbaPrefix(kind)...)
	if err != nil {
		return err
	}
	return printJSON(modules)
}

// rezip rebuilds the zip package with the patched VBA project in place of
// the original entry. Every other entry is carried over unchanged.
func rezip(filename string, patched []byte) ([]byte, error) {
	archive, err := zip.OpenReader(filename)
	if err != nil {
		return nil, err
	}
	defer archive.Close()

	var buffer bytes.Buffer
	writer := zip.NewWriter(&buffer)
	for _, f := range archive.File {
		header := f.FileHeader
		w, err := writer.CreateHeader(&header)
		if err != nil {
			return nil, err
		}
		if f.Name == ZIP_VBA_PATH {
			if _, err := w.Write(patched); err != nil {
				return nil, err
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		_, err = io.Copy(w, rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

func outPath(filename string, inplace bool) string {
	if inplace {
		return filename
	}
	ext := filepath.Ext(filename)
	return strings.TrimSuffix(filename, ext) + "_unlocked" + ext
}

func printJSON(v interface{}) error {
	serialized, err := json.MarshalIndent(v, " ", " ")
	if err != nil {
		return err
	}
	fmt.Println(string(serialized))
	return nil
}

func main() {
	app.HelpFlag.Short('h')
	app.UsageTemplate(kingpin.CompactUsageTemplate).DefaultEnvars()

	var err error
	switch kingpin.MustParse(app.Parse(os.Args[1:])) {
	case readCmd.FullCommand():
		err = doRead()
	case removeCmd.FullCommand():
		err = doRemove()
	case modulesCmd.FullCommand():
		err = doModules()
	}
	kingpin.FatalIfError(err, "unlock-excel")
}
