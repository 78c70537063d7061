package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

type commandDescription struct {
	name       string
	method     string
	path       string
	parameters []string
}

var commandDescriptions = []*commandDescription{
	{name: "health", method: http.MethodGet, path: "/health"},
	{name: "hosts", method: http.MethodGet, path: "/hosts"},
	{name: "caughthosts", method: http.MethodGet, path: "/caughthosts"},
	{name: "connect", method: http.MethodPost, path: "/connect/%s", parameters: []string{"address"}},
	{name: "disconnect", method: http.MethodDelete, path: "/connect/%s", parameters: []string{"address"}},
}

func (cd *commandDescription) help() string {
	sb := &strings.Builder{}
	sb.WriteString(cd.name)
	for _, parameter := range cd.parameters {
		_, _ = fmt.Fprintf(sb, " [%s]", parameter)
	}
	return sb.String()
}

func findCommand(name string) (*commandDescription, error) {
	for _, command := range commandDescriptions {
		if command.name == name {
			return command, nil
		}
	}
	return nil, errors.Errorf("unknown command '%s'. Use --list-commands to list all commands", name)
}

// requestPath returns the path the command is sent to, with parameters
// escaped into it.
func (cd *commandDescription) requestPath(parameters []string) (string, error) {
	if len(parameters) != len(cd.parameters) {
		return "", errors.Errorf("'%s' expects %d parameters but got %d", cd.name, len(cd.parameters), len(parameters))
	}
	escaped := make([]interface{}, len(parameters))
	for i, parameter := range parameters {
		escaped[i] = url.PathEscape(parameter)
	}
	return fmt.Sprintf(cd.path, escaped...), nil
}
