package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
)

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		printErrorAndExit(fmt.Sprintf("error parsing command-line arguments: %s", err))
	}

	if cfg.ListCommands {
		for _, command := range commandDescriptions {
			fmt.Println(command.help())
		}
		return
	}

	command, err := findCommand(cfg.CommandAndParameters[0])
	if err != nil {
		printErrorAndExit(err.Error())
	}
	path, err := command.requestPath(cfg.CommandAndParameters[1:])
	if err != nil {
		printErrorAndExit(err.Error())
	}

	timeout := time.Duration(cfg.Timeout) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	responseString, err := postRequest(ctx, command.method, "http://"+cfg.DebugServer+path)
	if err != nil {
		printErrorAndExit(fmt.Sprintf("error sending the request to the debug server: %s", err))
	}
	fmt.Println(responseString)
}

// postRequest sends a request to the debug API and returns its indented
// JSON response.
func postRequest(ctx context.Context, method string, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return "", errors.WithStack(err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", errors.WithStack(err)
	}
	defer res.Body.Close()

	body, err := ioutil.ReadAll(res.Body)
	if err != nil {
		return "", errors.WithStack(err)
	}

	indented := &bytes.Buffer{}
	err = json.Indent(indented, body, "", "    ")
	if err != nil {
		return "", errors.Wrapf(err, "malformed response with status %s", res.Status)
	}
	if res.StatusCode != http.StatusOK {
		return "", errors.Errorf("%s: %s", res.Status, indented)
	}
	return indented.String(), nil
}

func printErrorAndExit(message string) {
	fmt.Fprintln(os.Stderr, message)
	os.Exit(1)
}
