package github

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"

	gogh "github.com/google/go-github/v68/github"
)

// DefaultPort is used when a repository gives no hint about its dev server.
const DefaultPort = 3000

// frameworkPorts maps a dependency to its dev server's default port, checked in order.
var frameworkPorts = []struct {
	dep  string
	port int
}{
	{"@angular/core", 4200},
	{"astro", 4321},
	{"gatsby", 8000},
	{"next", 3000},
	{"nuxt", 3000},
	{"react-scripts", 3000},
	{"vite", 5173},
}

var portFlag = regexp.MustCompile(`(?:--port[ =]|-p )(\d{2,5})`)

// DetectPort guesses the application's network port from package.json on ref
// (empty ref means the default branch). Repositories without one get DefaultPort.
func (c *Client) DetectPort(ctx context.Context, token, repoURL, ref string) (int, error) {
	owner, repo, err := ParseRepo(repoURL)
	if err != nil {
		return 0, err
	}
	var opts *gogh.RepositoryContentGetOptions
	if ref != "" {
		opts = &gogh.RepositoryContentGetOptions{Ref: ref}
	}
	file, _, resp, err := c.gh(token).Repositories.GetContents(ctx, owner, repo, "package.json", opts)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return DefaultPort, nil
		}
		return DefaultPort, err
	}
	content, err := file.GetContent()
	if err != nil {
		return DefaultPort, err
	}
	return portFromPackageJSON([]byte(content)), nil
}

func portFromPackageJSON(data []byte) int {
	var pkg struct {
		Scripts         map[string]string `json:"scripts"`
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if json.Unmarshal(data, &pkg) != nil {
		return DefaultPort
	}

	for _, script := range []string{"dev", "start"} {
		if m := portFlag.FindStringSubmatch(pkg.Scripts[script]); m != nil {
			if p, err := strconv.Atoi(m[1]); err == nil && p > 0 && p < 65536 {
				return p
			}
		}
	}
	for _, fp := range frameworkPorts {
		if _, ok := pkg.Dependencies[fp.dep]; ok {
			return fp.port
		}
		if _, ok := pkg.DevDependencies[fp.dep]; ok {
			return fp.port
		}
	}
	return DefaultPort
}
