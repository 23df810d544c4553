// hvctl is the debug and inspection CLI for the hypervisor control
// plane daemon.
//
// It provides commands to:
// - List and inspect running VMs
// - Spawn and terminate VMs
// - Deploy and undeploy registered agents
// - Provision and retry edge (remote) targets
// - Check runtime health and recent events
//
// Usage:
//
//	hvctl list                         # List all VMs
//	hvctl inspect <vm-id>               # Show VM details
//	hvctl spawn <spec.json>             # Spawn a VM from a JSON spec file
//	hvctl kill <vm-id>                  # Terminate a VM
//	hvctl deploy <agent-name>           # Deploy a registered agent
//	hvctl undeploy <agent-name>         # Undeploy a registered agent
//	hvctl health                        # Check runtime health
//	hvctl events                        # Show recent events
//
// Build: go build -o hvctl ./cmd/hvctl
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

const (
	version        = "0.1.0"
	defaultAddress = "http://localhost:9090"
)

// CLI holds the CLI state.
type CLI struct {
	address string
	client  *http.Client
	verbose bool
	output  string // "table" or "json"
}

func main() {
	cli := &CLI{
		address: getEnvOrDefault("HVCTL_ADDRESS", defaultAddress),
		client:  &http.Client{Timeout: 10 * time.Second},
		output:  "table",
	}

	if len(os.Args) < 2 {
		cli.printUsage()
		os.Exit(1)
	}

	args := os.Args[1:]
	for len(args) > 0 && strings.HasPrefix(args[0], "-") {
		switch args[0] {
		case "-v", "--verbose":
			cli.verbose = true
			args = args[1:]
		case "-o", "--output":
			if len(args) < 2 {
				fatal("--output requires a value")
			}
			cli.output = args[1]
			args = args[2:]
		case "--address":
			if len(args) < 2 {
				fatal("--address requires a value")
			}
			cli.address = args[1]
			args = args[2:]
		case "-h", "--help":
			cli.printUsage()
			os.Exit(0)
		case "--version":
			fmt.Printf("hvctl version %s\n", version)
			os.Exit(0)
		default:
			fatal("unknown flag: %s", args[0])
		}
	}

	if len(args) == 0 {
		cli.printUsage()
		os.Exit(1)
	}

	cmd := args[0]
	cmdArgs := args[1:]

	var err error
	switch cmd {
	case "list", "ls":
		err = cli.cmdList()
	case "inspect", "get":
		err = cli.cmdInspect(cmdArgs)
	case "spawn":
		err = cli.cmdSpawn(cmdArgs)
	case "kill", "terminate":
		err = cli.cmdKill(cmdArgs)
	case "deploy":
		err = cli.cmdDeploy(cmdArgs)
	case "undeploy":
		err = cli.cmdUndeploy(cmdArgs)
	case "provision":
		err = cli.cmdProvision(cmdArgs)
	case "retry":
		err = cli.cmdRetry(cmdArgs)
	case "health":
		err = cli.cmdHealth()
	case "events":
		err = cli.cmdEvents()
	case "version":
		fmt.Printf("hvctl version %s\n", version)
	case "help":
		cli.printUsage()
	default:
		fatal("unknown command: %s", cmd)
	}

	if err != nil {
		fatal("%v", err)
	}
}

func (cli *CLI) printUsage() {
	fmt.Print(`hvctl - Hypervisor Control Plane CLI

Usage:
  hvctl [flags] <command> [args]

Commands:
  list, ls                List all VMs
  inspect <vm-id>         Show detailed VM information
  spawn <spec.json>       Spawn a VM from a JSON spec file
  kill <vm-id>            Terminate a VM
  deploy <agent-name>     Deploy a registered agent
  undeploy <agent-name>   Undeploy a registered agent
  provision <target-id:address> <spec.json>  Provision a VM on a remote target
  retry <target>          Retry a remote target's queued operations
  health                  Check runtime health
  events                  Show recent events
  version                 Show version
  help                    Show this help

Flags:
  -v, --verbose         Enable verbose output
  -o, --output <fmt>    Output format: table, json (default: table)
  --address <url>       hypervisord HTTP address (default: http://localhost:9090)
  -h, --help            Show help
  --version             Show version

Environment:
  HVCTL_ADDRESS          hypervisord HTTP address
`)
}

func (cli *CLI) cmdList() error {
	var instances []map[string]interface{}
	if err := cli.getJSON("/vms", &instances); err != nil {
		return err
	}

	if cli.output == "json" {
		return json.NewEncoder(os.Stdout).Encode(instances)
	}

	if len(instances) == 0 {
		fmt.Println("No VMs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VM_ID\tSTATE\tPROVIDER\tIMAGE")
	for _, inst := range instances {
		vmID, _ := inst["VMID"].(string)
		state, _ := inst["State"].(string)
		spec, _ := inst["Spec"].(map[string]interface{})
		provider, image := "", ""
		if spec != nil {
			provider, _ = spec["provider"].(string)
			image, _ = spec["image"].(string)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", vmID, state, provider, image)
	}
	w.Flush()
	fmt.Printf("\nTotal: %d VM(s)\n", len(instances))
	return nil
}

func (cli *CLI) cmdInspect(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: hvctl inspect <vm-id>")
	}
	var instance map[string]interface{}
	if err := cli.getJSON("/vms/"+args[0], &instance); err != nil {
		return err
	}
	return cli.printObject(instance)
}

func (cli *CLI) cmdSpawn(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: hvctl spawn <spec-file.json>")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading spec file: %w", err)
	}
	var result map[string]interface{}
	if err := cli.postJSON("/vms", data, &result); err != nil {
		return err
	}
	return cli.printObject(result)
}

func (cli *CLI) cmdKill(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: hvctl kill <vm-id>")
	}
	if err := cli.deleteResource("/vms/" + args[0]); err != nil {
		return err
	}
	fmt.Printf("Terminated %s\n", args[0])
	return nil
}

func (cli *CLI) cmdDeploy(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: hvctl deploy <agent-name>")
	}
	var result map[string]interface{}
	if err := cli.postJSON("/agents/"+args[0], nil, &result); err != nil {
		return err
	}
	return cli.printObject(result)
}

func (cli *CLI) cmdUndeploy(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: hvctl undeploy <agent-name>")
	}
	if err := cli.deleteResource("/agents/" + args[0]); err != nil {
		return err
	}
	fmt.Printf("Undeployed %s\n", args[0])
	return nil
}

func (cli *CLI) cmdProvision(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: hvctl provision <target-id:address> <spec-file.json>")
	}
	targetID, address, ok := strings.Cut(args[0], ":")
	if !ok {
		return fmt.Errorf("target must be of the form target-id:host:port")
	}
	specData, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("reading spec file: %w", err)
	}
	var spec map[string]interface{}
	if err := json.Unmarshal(specData, &spec); err != nil {
		return fmt.Errorf("parsing spec file: %w", err)
	}

	body, err := json.Marshal(map[string]interface{}{
		"target": map[string]string{"target_id": targetID, "address": address},
		"spec":   spec,
	})
	if err != nil {
		return err
	}

	var result map[string]interface{}
	if err := cli.postJSON("/edge/provision", body, &result); err != nil {
		return err
	}
	return cli.printObject(result)
}

func (cli *CLI) cmdRetry(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: hvctl retry <target-id:address>")
	}
	targetID, address, ok := strings.Cut(args[0], ":")
	if !ok {
		return fmt.Errorf("target must be of the form target-id:host:port")
	}
	body, err := json.Marshal(map[string]string{"target_id": targetID, "address": address})
	if err != nil {
		return err
	}
	var result map[string]interface{}
	if err := cli.postJSON("/edge/retry", body, &result); err != nil {
		return err
	}
	return cli.printObject(result)
}

func (cli *CLI) cmdHealth() error {
	var status map[string]interface{}
	if err := cli.getJSON("/healthz", &status); err != nil {
		return err
	}
	return cli.printObject(status)
}

func (cli *CLI) cmdEvents() error {
	var events []map[string]interface{}
	if err := cli.getJSON("/events/recent", &events); err != nil {
		return err
	}
	if cli.output == "json" {
		return json.NewEncoder(os.Stdout).Encode(events)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tNAME\tVM_ID")
	for _, e := range events {
		fmt.Fprintf(w, "%v\t%v\t%v\n", e["Timestamp"], e["Name"], e["VMID"])
	}
	w.Flush()
	return nil
}

func (cli *CLI) printObject(v interface{}) error {
	if cli.output == "json" {
		return json.NewEncoder(os.Stdout).Encode(v)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (cli *CLI) getJSON(path string, out interface{}) error {
	resp, err := cli.client.Get(cli.address + path)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func (cli *CLI) postJSON(path string, body []byte, out interface{}) error {
	resp, err := cli.client.Post(cli.address+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func (cli *CLI) deleteResource(path string) error {
	req, err := http.NewRequest(http.MethodDelete, cli.address+path, nil)
	if err != nil {
		return err
	}
	resp, err := cli.client.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeOrError(resp, nil)
	}
	return nil
}

func decodeOrError(resp *http.Response, out interface{}) error {
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
