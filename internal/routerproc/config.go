package routerproc

import (
	"strconv"
	"strings"

	"github.com/resinat/resinprobe/internal/noderecord"
	"gopkg.in/yaml.v3"
)

// buildConfigDocument renders the router config document for one batch of
// nodes: every field of each node is forwarded verbatim except keys
// beginning with "_" (stripped), name is coerced to string, and all nodes
// are grouped under a single select-type group named "test-group" with a
// catch-all rule routing through it.
func buildConfigDocument(socksPort, apiPort int, nodes []noderecord.Record) ([]byte, error) {
	proxies := make([]map[string]any, 0, len(nodes))
	names := make([]string, 0, len(nodes))

	for _, n := range nodes {
		name, err := n.Name()
		if err != nil {
			return nil, err
		}
		fields := n.Fields()
		clean := make(map[string]any, len(fields))
		for k, v := range fields {
			if strings.HasPrefix(k, "_") {
				continue
			}
			clean[k] = v
		}
		clean["name"] = name
		proxies = append(proxies, clean)
		names = append(names, name)
	}

	doc := map[string]any{
		"mixed-port":          socksPort,
		"allow-lan":           false,
		"mode":                "rule",
		"log-level":           "error",
		"external-controller": externalControllerAddr(apiPort),
		"dns": map[string]any{
			"enable": false,
		},
		"proxies": proxies,
		"proxy-groups": []map[string]any{
			{
				"name":    testGroupName,
				"type":    "select",
				"proxies": names,
			},
		},
		"rules": []string{"MATCH," + testGroupName},
	}

	return yaml.Marshal(doc)
}

func externalControllerAddr(port int) string {
	return "127.0.0.1:" + strconv.Itoa(port)
}
