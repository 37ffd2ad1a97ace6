// Command datajobctl is a thin CLI client for the datajobd Control API,
// in the subcommand-plus-flag style of the example pack's CLI tools.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/datajob/engine/internal/model"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "list":
		listCmd()
	case "get":
		getCmd()
	case "create":
		createCmd()
	case "delete":
		deleteCmd()
	case "run":
		runCmd()
	case "test":
		testCmd()
	case "runs":
		runsCmd()
	case "upload":
		uploadCmd()
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("datajobctl - control API CLI")
	fmt.Println("usage: datajobctl <command> [options]")
	fmt.Println("commands: list, get, create, delete, run, test, runs, upload")
}

func baseURL() string {
	if v := os.Getenv("DATAJOB_API_URL"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func listCmd() {
	resp, err := http.Get(baseURL() + "/jobs")
	exitOnErr(err)
	defer resp.Body.Close()
	printResponse(resp)
}

func getCmd() {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	name := fs.String("name", "", "job name")
	fs.Parse(os.Args[2:])
	requireFlag("name", *name)

	resp, err := http.Get(baseURL() + "/jobs/" + *name)
	exitOnErr(err)
	defer resp.Body.Close()
	printResponse(resp)
}

func createCmd() {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	jobJSON := fs.String("job", "", "full JobCreateDTO JSON payload")
	fs.Parse(os.Args[2:])
	requireFlag("job", *jobJSON)

	var dto model.JobCreateDTO
	if err := json.Unmarshal([]byte(*jobJSON), &dto); err != nil {
		fmt.Fprintln(os.Stderr, "invalid job json:", err)
		os.Exit(1)
	}

	resp, err := http.Post(baseURL()+"/jobs/create", "application/json", bytes.NewReader([]byte(*jobJSON)))
	exitOnErr(err)
	defer resp.Body.Close()
	printResponse(resp)
}

func deleteCmd() {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	name := fs.String("name", "", "job name")
	fs.Parse(os.Args[2:])
	requireFlag("name", *name)

	req, err := http.NewRequest(http.MethodDelete, baseURL()+"/jobs/"+*name, nil)
	exitOnErr(err)
	resp, err := http.DefaultClient.Do(req)
	exitOnErr(err)
	defer resp.Body.Close()
	fmt.Println("status:", resp.Status)
}

func runCmd() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	name := fs.String("name", "", "job name")
	fs.Parse(os.Args[2:])
	requireFlag("name", *name)

	resp, err := http.Post(baseURL()+"/jobs/"+*name+"/run", "application/json", nil)
	exitOnErr(err)
	defer resp.Body.Close()
	printResponse(resp)
}

func testCmd() {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	name := fs.String("name", "", "job name")
	fs.Parse(os.Args[2:])
	requireFlag("name", *name)

	resp, err := http.Post(baseURL()+"/jobs/"+*name+"/test", "application/json", nil)
	exitOnErr(err)
	defer resp.Body.Close()
	printResponse(resp)
}

func runsCmd() {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	name := fs.String("name", "", "job name")
	fs.Parse(os.Args[2:])
	requireFlag("name", *name)

	resp, err := http.Get(baseURL() + "/jobs/" + *name + "/runs")
	exitOnErr(err)
	defer resp.Body.Close()
	printResponse(resp)
}

func uploadCmd() {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	path := fs.String("file", "", "local file path to upload")
	fs.Parse(os.Args[2:])
	requireFlag("file", *path)

	f, err := os.Open(*path)
	exitOnErr(err)
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(*path))
	exitOnErr(err)
	_, err = io.Copy(part, f)
	exitOnErr(err)
	exitOnErr(mw.Close())

	resp, err := http.Post(baseURL()+"/jobs/upload-file", mw.FormDataContentType(), &buf)
	exitOnErr(err)
	defer resp.Body.Close()
	printResponse(resp)
}

func requireFlag(name, val string) {
	if val == "" {
		fmt.Fprintf(os.Stderr, "missing required flag --%s\n", name)
		os.Exit(1)
	}
}

func exitOnErr(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printResponse(resp *http.Response) {
	body, err := io.ReadAll(resp.Body)
	exitOnErr(err)
	fmt.Println(string(body))
}
