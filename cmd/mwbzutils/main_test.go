// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package main_test

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cosnicolaou/mwbzutils/internal/testfixture"
)

func runCmd(args ...string) ([]byte, string, error) {
	cmd := exec.Command("go", append([]string{"run", "."}, args...)...)
	output, err := cmd.CombinedOutput()
	return output, string(output), err
}

func unzipCmd(filename string) ([]byte, string, error) {
	ifile := filename + ".bz2"
	ofile := filename + ".test"
	_, out, err := runCmd("unzip", "--progress=false", "--output="+ofile, ifile)
	if err != nil {
		return nil, out, err
	}
	data, err := os.ReadFile(ofile)
	return data, out, err
}

func TestUnzipRoundTrip(t *testing.T) {
	tmpdir := t.TempDir()
	for _, tc := range []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"800KB1", testfixture.PredictableRandomData(800 * 1024)},
	} {
		filename := filepath.Join(tmpdir, tc.name)
		if err := testfixture.WriteBzipFile(filename+".bz2", tc.data, 3); err != nil {
			t.Fatalf("%v: %v", tc.name, err)
		}
		data, out, err := unzipCmd(filename)
		if err != nil {
			t.Fatalf("%v: %v: %v", tc.name, out, err)
		}
		if got, want := data, tc.data; !bytes.Equal(got, want) {
			t.Errorf("%v: got %v, want %v", tc.name,
				testfixture.FirstN(20, got), testfixture.FirstN(20, want))
		}
	}
}

func TestUnzipErrors(t *testing.T) {
	tmpdir := t.TempDir()

	empty := filepath.Join(tmpdir, "empty")
	if err := os.WriteFile(empty+".bz2", nil, 0o600); err != nil {
		t.Fatal(err)
	}
	_, out, err := unzipCmd(empty)
	if err == nil || !strings.Contains(out, "unexpected EOF") {
		t.Fatalf("missing or wrong error message: %v: %v", out, err)
	}

	hello := filepath.Join(tmpdir, "hello")
	if err := testfixture.WriteBzipFile(hello+".bz2", []byte("hello world\n"), 1); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(hello + ".bz2")
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] = 0x0

	corrupt := hello + "-corrupt"
	if err := os.WriteFile(corrupt+".bz2", data, 0o600); err != nil {
		t.Fatal(err)
	}
	_, out, err = unzipCmd(corrupt)
	if err == nil {
		t.Fatalf("expected corrupting the trailing byte to produce an error: %v", out)
	}
}

func TestSpliceCmd(t *testing.T) {
	tmpdir := t.TempDir()
	pages := [][]byte{
		testfixture.SamplePage(1, "One", 1),
		testfixture.SamplePage(2, "Two", 1),
		testfixture.SamplePage(3, "Three", 1),
	}
	dump := testfixture.SampleDump(pages)
	inpath := filepath.Join(tmpdir, "dump.xml")
	if err := os.WriteFile(inpath, dump, 0o600); err != nil {
		t.Fatal(err)
	}

	out, outStr, err := runCmd("splice", "--inpath="+inpath, "2", "3")
	if err != nil {
		t.Fatalf("%v: %v", outStr, err)
	}
	if !bytes.Contains(out, []byte("<title>Two</title>")) {
		t.Errorf("splice output missing expected page: %q", out)
	}
	if bytes.Contains(out, []byte("<title>Three</title>")) {
		t.Errorf("splice output should not include endID's own page: %q", out)
	}
}

func TestRevsPerPageCmd(t *testing.T) {
	tmpdir := t.TempDir()
	pages := [][]byte{
		testfixture.SamplePage(1, "One", 3),
		testfixture.SamplePage(2, "Two", 1),
	}
	dump := testfixture.SampleDump(pages)
	inpath := filepath.Join(tmpdir, "dump.xml")
	if err := os.WriteFile(inpath, dump, 0o600); err != nil {
		t.Fatal(err)
	}

	out, outStr, err := runCmd("revsperpage", "--filename="+inpath)
	if err != nil {
		t.Fatalf("%v: %v", outStr, err)
	}
	if !bytes.Contains(out, []byte("1:3\n")) || !bytes.Contains(out, []byte("2:1\n")) {
		t.Errorf("unexpected revsperpage output: %q", out)
	}
}

func TestLastIDCmd(t *testing.T) {
	tmpdir := t.TempDir()
	pages := [][]byte{
		testfixture.SamplePage(10, "Alpha", 1),
		testfixture.SamplePage(20, "Beta", 1),
	}
	dump := testfixture.SampleDump(pages)
	compressed, err := testfixture.Bzip2(dump, 1)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(tmpdir, "dump.xml.bz2")
	if err := os.WriteFile(path, compressed, 0o600); err != nil {
		t.Fatal(err)
	}

	out, outStr, err := runCmd("lastid", "--filename="+path, "--type=page")
	if err != nil {
		t.Fatalf("%v: %v", outStr, err)
	}
	if !bytes.Contains(out, []byte("page_id:20\n")) {
		t.Errorf("unexpected lastid output: %q", out)
	}
}
