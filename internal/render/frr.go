package render

import (
	"fmt"
	"strings"
)

// prefixRule is one line of a `permit`/`deny` prefix-list, e.g. from
// /global/bgp/filter/in or /global/bgp/filter/out.
type prefixRule struct {
	action string
	prefix string
}

func parsePrefixListRules(multiline string) ([]prefixRule, error) {
	var rules []prefixRule
	for _, line := range Lines(multiline) {
		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("routing: invalid prefix-list rule line %q", line)
		}
		action := strings.ToLower(strings.TrimSpace(fields[0]))
		if action != "permit" && action != "deny" {
			return nil, fmt.Errorf("routing: invalid action in prefix-list rule %q", line)
		}
		rules = append(rules, prefixRule{action: action, prefix: strings.TrimSpace(fields[1])})
	}
	return rules, nil
}

func appendPrefixList(lines []string, name string, rules []prefixRule) []string {
	seq := 10
	for _, r := range rules {
		lines = append(lines, fmt.Sprintf("ip prefix-list %s seq %d %s %s", name, seq, r.action, r.prefix))
		seq += 10
	}
	return lines
}

// RoutingMeta reports which routing protocols the rendered config enables.
type RoutingMeta struct {
	BGPEnabled  bool
	OSPFEnabled bool
}

// Routing renders the routing daemon's (FRR-compatible) configuration.
// Grounded on generators/gen_frr.py, condensed to the structural
// essentials: hostname/router-id, OSPF/BGP enable, LAN and private-LAN
// redistribution prefix lists and route-maps, and BGP in/out filter
// prefix-lists with their route-maps. `no_transit`/`no_forward` policy
// values are emitted only as "!" comment lines after RM-BGP-OUT; they add
// no route-map entries, so enforcement rests on the BGP filter rules
// (per SPEC_FULL.md §9 the reconciler never examines them).
func Routing(nodeID string, node, global Slice) (Bundle, RoutingMeta, error) {
	routerID := node[fmt.Sprintf("/nodes/%s/router_id", nodeID)]
	internalRouting := global.Get("/global/internal_routing_system", "ospf")
	ospfEnable := node[fmt.Sprintf("/nodes/%s/ospf/enable", nodeID)] == "true"
	bgpEnable := node[fmt.Sprintf("/nodes/%s/bgp/enable", nodeID)] == "true"
	if internalRouting == "bgp" {
		ospfEnable = false
	}

	localAS := node[fmt.Sprintf("/nodes/%s/bgp/local_asn", nodeID)]
	maxPaths := node.Get(fmt.Sprintf("/nodes/%s/bgp/max_paths", nodeID), "1")
	noTransit := node[fmt.Sprintf("/nodes/%s/bgp/no_transit", nodeID)]
	noForward := node[fmt.Sprintf("/nodes/%s/bgp/no_forward", nodeID)]

	inRulesRaw := global["/global/bgp/filter/in"]
	outRulesRaw := global["/global/bgp/filter/out"]

	inRules, err := parsePrefixListRules(inRulesRaw)
	if err != nil {
		return Bundle{}, RoutingMeta{}, err
	}
	if len(inRules) == 0 {
		inRules = []prefixRule{{"deny", "0.0.0.0/0"}, {"permit", "0.0.0.0/0 le 32"}}
	}
	outRules, err := parsePrefixListRules(outRulesRaw)
	if err != nil {
		return Bundle{}, RoutingMeta{}, err
	}
	if len(outRules) == 0 {
		outRules = []prefixRule{{"permit", "0.0.0.0/0 le 32"}}
	}

	lans := SortedUnique(Lines(node[fmt.Sprintf("/nodes/%s/lan", nodeID)]))
	privateLans := SortedUnique(Lines(node[fmt.Sprintf("/nodes/%s/private_lan", nodeID)]))

	var lines []string
	lines = append(lines, "frr defaults traditional", "service integrated-vtysh-config", "hostname "+nodeID)
	if routerID != "" {
		lines = append(lines, "ip router-id "+routerID)
	}
	lines = append(lines, "", "ip prefix-list PL-DEFAULT seq 10 permit 0.0.0.0/0", "")

	if len(lans) > 0 {
		lines = appendPrefixList(lines, "PL-OSPF-LAN", toPermitRules(lans))
		lines = append(lines, "", "route-map RM-OSPF-CONN permit 10", " match ip address prefix-list PL-OSPF-LAN", "!", "")
	}
	if len(privateLans) > 0 {
		lines = appendPrefixList(lines, "PL-OSPF-PRIVATE-LAN", toPermitRules(privateLans))
		lines = append(lines, "", "route-map RM-OSPF-CONN-PRIVATE permit 10", " match ip address prefix-list PL-OSPF-PRIVATE-LAN", "!", "")
	}

	lines = appendPrefixList(lines, "PL-BGP-IN", inRules)
	lines = append(lines, "", "route-map RM-BGP-IN permit 10", " match ip address prefix-list PL-BGP-IN", "!", "")
	lines = appendPrefixList(lines, "PL-BGP-OUT", outRules)
	lines = append(lines, "route-map RM-BGP-OUT permit 10", " match ip address prefix-list PL-BGP-OUT", "!", "")

	if noTransit != "" {
		lines = append(lines, fmt.Sprintf("! bgp/no_transit = %s (enforced in RM-BGP-OUT by the operator's filter rules)", noTransit))
	}
	if noForward != "" {
		lines = append(lines, fmt.Sprintf("! bgp/no_forward = %s (enforced in RM-BGP-OUT by the operator's filter rules)", noForward))
	}

	if ospfEnable {
		lines = append(lines, "", "router ospf")
		for _, lan := range lans {
			lines = append(lines, fmt.Sprintf(" network %s area 0.0.0.0", lan))
		}
		if node[fmt.Sprintf("/nodes/%s/ospf/redistribute_bgp", nodeID)] != "false" {
			lines = append(lines, " redistribute bgp")
		}
		lines = append(lines, "!")
	}

	if bgpEnable && localAS != "" {
		lines = append(lines, "", fmt.Sprintf("router bgp %s", localAS))
		if maxPaths != "" {
			lines = append(lines, fmt.Sprintf(" maximum-paths %s", maxPaths))
		}
		lines = append(lines, " neighbor FLEET peer-group",
			" neighbor FLEET route-map RM-BGP-IN in",
			" neighbor FLEET route-map RM-BGP-OUT out",
			"!")
	}

	text := strings.Join(lines, "\n")
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}

	bundle := Bundle{Files: []File{
		{Path: "/etc/frr/frr.conf", Data: []byte(text), Mode: 0o640},
	}}
	return bundle, RoutingMeta{BGPEnabled: bgpEnable, OSPFEnabled: ospfEnable}, nil
}

func toPermitRules(prefixes []string) []prefixRule {
	out := make([]prefixRule, 0, len(prefixes))
	for _, p := range prefixes {
		out = append(out, prefixRule{action: "permit", prefix: p})
	}
	return out
}
