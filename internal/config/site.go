package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Path returns the site file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "site.yml")
}

// Load reads the site file at path.
func Load(path string, syms Symbols) (*AppConf, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("site %s not found; create one with cl init", path)
		}
		return nil, err
	}
	return FromYAML(data, syms)
}

// LoadOptional returns nil,nil if the site file does not exist.
func LoadOptional(path string, syms Symbols) (*AppConf, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return Load(path, syms)
}

// FromYAML parses an application record literal. The top-level "type" key
// may be omitted.
func FromYAML(data []byte, syms Symbols) (*AppConf, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("invalid site yaml: %w", err)
	}
	if node.Kind == 0 {
		return nil, fmt.Errorf("invalid site yaml: empty document")
	}
	d, err := syms.DecodeRecord(&node, KindApp)
	if err != nil {
		return nil, err
	}
	app, ok := d.(*AppConf)
	if !ok {
		return nil, fmt.Errorf("site file describes a %s, not an application", d.Kind())
	}
	return app, nil
}

// GenerateDefault returns the default site YAML.
func GenerateDefault(id string) string {
	return fmt.Sprintf(defaultTemplate, id)
}

// Default returns the default site for id.
func Default(id string) *AppConf {
	app, err := FromYAML([]byte(GenerateDefault(id)), nil)
	if err != nil {
		panic(fmt.Sprintf("default site template: %v", err))
	}
	return app
}

const defaultTemplate = `type: application
id: %s
title: Contentline site
defaultRoot: content
autocommit: true

meta:
  - id: pool_keywords
    datatype: string
    name: Keywords

acl:
  - [Allow, Everyone, view]
  - [Allow, editors, [view, add, edit, delete]]
  - [Allow, admins, "*"]

modules:
  - type: group
    id: editors
    name: Editors
  - type: group
    id: admins
    name: Administrators

  - type: root
    id: content
    name: Content
    default: true
    defaultSort: id
    data:
      - id: title
        datatype: string
      - id: description
        datatype: text

  - type: object
    id: folder
    name: Folder
    dbparam: folders
    subtypes: "*"
    extension: html
    data:
      - id: title
        datatype: string
        required: true
        fulltext: true

  - type: object
    id: note
    name: Note
    dbparam: notes
    workflow: publishing
    extension: html
    data:
      - id: title
        datatype: string
        required: true
        fulltext: true
      - id: body
        datatype: text
        fulltext: true
      - id: attachment
        datatype: file

  - type: workflow
    id: publishing
    name: Publishing
    apply: object
    entry: draft
    admins: admins
    states:
      - id: draft
        actions: [view, edit, add, delete, remove]
      - id: review
        actions: [view]
      - id: public
        actions: [view]
    transitions:
      - id: create
        from: draft
        to: draft
        actions: [create, duplicate]
        roles: "*"
      - id: submit
        from: draft
        to: review
        actions: submit
        roles: [group:owner, editors]
      - id: publish
        from: review
        to: public
        actions: publish
        roles: editors
      - id: retract
        from: "*"
        to: draft
        actions: retract
        roles: editors

  - type: tool
    id: export
    name: Export children as JSON lines
    func: cl.export
    data:
      - id: type
        datatype: string
      - id: limit
        datatype: number
        default: 50
`
