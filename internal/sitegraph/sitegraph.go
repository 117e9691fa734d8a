// Package sitegraph assembles the parent/child tree of visited pages from
// flat page records. The builder never drops a record: pages whose parent
// chain is missing or cyclic become standalone roots, so the forest always
// holds exactly as many nodes as the input.
package sitegraph

import "github.com/medregistry/harvester/internal/model"

// Node is one page in the site forest.
type Node struct {
	URL      string            `bson:"url" json:"url"`
	Title    string            `bson:"title,omitempty" json:"title,omitempty"`
	Depth    int               `bson:"depth" json:"depth"`
	Status   model.CrawlStatus `bson:"status" json:"status"`
	Children []*Node           `bson:"children,omitempty" json:"children,omitempty"`
}

// Build arranges records into a forest by depth-first expansion from the
// depth-zero roots. A visited set guards against cyclic parent references;
// anything the expansion never reaches is appended as its own root in input
// order.
func Build(records []model.PageRecord) []*Node {
	nodes := make(map[string]*Node, len(records))
	order := make([]*Node, 0, len(records))
	children := make(map[string][]*Node)

	for _, rec := range records {
		if _, ok := nodes[rec.URL]; ok {
			continue
		}
		node := &Node{
			URL:    rec.URL,
			Title:  rec.Title,
			Depth:  rec.Depth,
			Status: rec.Status,
		}
		nodes[rec.URL] = node
		order = append(order, node)
		if rec.ParentURL != "" && rec.ParentURL != rec.URL {
			children[rec.ParentURL] = append(children[rec.ParentURL], node)
		}
	}

	visited := make(map[string]bool, len(order))
	var attach func(n *Node)
	attach = func(n *Node) {
		visited[n.URL] = true
		for _, child := range children[n.URL] {
			if visited[child.URL] {
				continue
			}
			n.Children = append(n.Children, child)
			attach(child)
		}
	}

	var roots []*Node
	for _, node := range order {
		if node.Depth == 0 && !visited[node.URL] {
			roots = append(roots, node)
			attach(node)
		}
	}
	// Orphans: parent absent, parent chain cyclic, or non-zero depth with no
	// path from a root. Each becomes its own root.
	for _, node := range order {
		if !visited[node.URL] {
			roots = append(roots, node)
			attach(node)
		}
	}
	return roots
}

// Count returns the total number of nodes in the forest.
func Count(forest []*Node) int {
	total := 0
	for _, root := range forest {
		total += countTree(root)
	}
	return total
}

func countTree(n *Node) int {
	total := 1
	for _, child := range n.Children {
		total += countTree(child)
	}
	return total
}

// MaxDepth returns the deepest tree level in the forest, counting roots as
// level zero. Uses tree structure, not the recorded crawl depth, so orphan
// subtrees report their real height.
func MaxDepth(forest []*Node) int {
	deepest := 0
	for _, root := range forest {
		if d := treeDepth(root, 0); d > deepest {
			deepest = d
		}
	}
	return deepest
}

func treeDepth(n *Node, level int) int {
	deepest := level
	for _, child := range n.Children {
		if d := treeDepth(child, level+1); d > deepest {
			deepest = d
		}
	}
	return deepest
}
