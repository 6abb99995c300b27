package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// SetValue sets key to value in the YAML config file at path, keeping the
// rest of the document (comments included) intact. The file is created if it
// does not exist.
func SetValue(path string, key string, value string) error {
	root, err := readConfig(path)
	if err != nil {
		return err
	}

	node := findOrCreateScalar(root, key)
	node.Kind = yaml.ScalarNode
	node.Tag = ""
	node.Value = value

	return writeConfig(path, root)
}

// GetValue returns the raw value of key in the config file at path.
func GetValue(path string, key string) (string, bool, error) {
	root, err := readConfig(path)
	if err != nil {
		return "", false, err
	}
	mapNode := documentMapping(root)
	for i := 0; i+1 < len(mapNode.Content); i += 2 {
		if mapNode.Content[i].Value == key {
			return mapNode.Content[i+1].Value, true, nil
		}
	}
	return "", false, nil
}

func documentMapping(root *yaml.Node) *yaml.Node {
	if len(root.Content) > 0 && root.Content[0].Kind == yaml.MappingNode {
		return root.Content[0]
	}
	mapNode := &yaml.Node{Kind: yaml.MappingNode}
	root.Content = []*yaml.Node{mapNode}
	return mapNode
}

func findOrCreateScalar(root *yaml.Node, key string) *yaml.Node {
	mapNode := documentMapping(root)
	for i := 0; i+1 < len(mapNode.Content); i += 2 {
		if mapNode.Content[i].Value == key {
			return mapNode.Content[i+1]
		}
	}

	keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: key}
	valueNode := &yaml.Node{Kind: yaml.ScalarNode}
	mapNode.Content = append(mapNode.Content, keyNode, valueNode)
	return valueNode
}

func readConfig(path string) (*yaml.Node, error) {
	root := &yaml.Node{Kind: yaml.DocumentNode}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return root, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "error reading config file")
	}
	if err := yaml.Unmarshal(data, root); err != nil {
		return nil, errors.Wrap(err, "error parsing config file")
	}
	if root.Kind != yaml.DocumentNode {
		root = &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}}
	}
	return root, nil
}

func writeConfig(path string, root *yaml.Node) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "error opening config file for writing")
	}
	defer func() {
		_ = f.Close()
	}()

	encoder := yaml.NewEncoder(f)
	encoder.SetIndent(2)
	if err := encoder.Encode(root); err != nil {
		return errors.Wrap(err, "error writing config file")
	}
	return encoder.Close()
}
