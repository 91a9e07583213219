package mcp

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/zhubert/notebook-mcp/errinfo"
	"github.com/zhubert/notebook-mcp/manager"
	"github.com/zhubert/notebook-mcp/notebook"
)

// tool binds a definition to its handler.
type tool struct {
	def  ToolDefinition
	call func(s *Server, args json.RawMessage) (any, error)
}

func str(desc string) Property     { return Property{Type: "string", Description: desc} }
func integer(desc string) Property { return Property{Type: "integer", Description: desc} }
func number(desc string) Property  { return Property{Type: "number", Description: desc} }
func boolean(desc string) Property { return Property{Type: "boolean", Description: desc} }

func schema(required []string, props map[string]Property) InputSchema {
	return InputSchema{Type: "object", Properties: props, Required: required}
}

var (
	notebookPathProp = str("Path to the .ipynb file, absolute or relative to an allowed directory")
	cellIndexProp    = integer("Zero-based cell index")
	timeoutProp      = number("Execution timeout in seconds (defaults to the server setting)")
	cellTypeProp     = Property{Type: "string", Description: "Cell type", Enum: []string{"code", "markdown", "raw"}}
	cellTypesProp    = Property{Type: "array", Description: "Cell types to include (default: all)", Items: &cellTypeProp}
)

var toolTable = []tool{
	// Notebook files.
	{
		def: ToolDefinition{
			Name:        "list_notebooks",
			Description: "Recursively list .ipynb files under a directory inside the allowed directories.",
			InputSchema: schema(nil, map[string]Property{
				"directory": str("Directory to search (default: the first allowed directory)"),
			}),
		},
		call: (*Server).listNotebooks,
	},
	{
		def: ToolDefinition{
			Name:        "get_notebook_info",
			Description: "Summarize a notebook: cell counts by type, executed cells, language, kernel, size and content digest.",
			InputSchema: schema([]string{"notebook_path"}, map[string]Property{
				"notebook_path": notebookPathProp,
			}),
		},
		call: (*Server).getNotebookInfo,
	},
	{
		def: ToolDefinition{
			Name:        "create_notebook",
			Description: "Create a notebook with a title cell and a starter code cell. Fails if the file exists.",
			InputSchema: schema([]string{"notebook_path"}, map[string]Property{
				"notebook_path": notebookPathProp,
				"title":         {Type: "string", Description: "Notebook title", Default: "New Notebook"},
				"language":      {Type: "string", Description: "Kernel language", Default: "python"},
			}),
		},
		call: (*Server).createNotebook,
	},
	{
		def: ToolDefinition{
			Name:        "export_to_python",
			Description: "Export a notebook to an annotated .py script.",
			InputSchema: schema([]string{"notebook_path"}, map[string]Property{
				"notebook_path": notebookPathProp,
				"output_path":   str("Destination .py file (default: beside the notebook)"),
			}),
		},
		call: (*Server).exportToPython,
	},

	// Cell editing.
	{
		def: ToolDefinition{
			Name:        "add_cell",
			Description: "Insert a cell. Without a position the cell is appended.",
			InputSchema: schema([]string{"notebook_path", "cell_type", "content"}, map[string]Property{
				"notebook_path": notebookPathProp,
				"cell_type":     cellTypeProp,
				"content":       str("Cell source"),
				"position":      integer("Insertion index, 0 to cell count"),
			}),
		},
		call: (*Server).addCell,
	},
	{
		def: ToolDefinition{
			Name:        "modify_cell",
			Description: "Replace a cell's source. Code cells lose their outputs and execution count.",
			InputSchema: schema([]string{"notebook_path", "cell_index", "new_content"}, map[string]Property{
				"notebook_path": notebookPathProp,
				"cell_index":    cellIndexProp,
				"new_content":   str("New cell source"),
			}),
		},
		call: (*Server).modifyCell,
	},
	{
		def: ToolDefinition{
			Name:        "delete_cell",
			Description: "Delete a cell. The last remaining cell cannot be deleted.",
			InputSchema: schema([]string{"notebook_path", "cell_index"}, map[string]Property{
				"notebook_path": notebookPathProp,
				"cell_index":    cellIndexProp,
			}),
		},
		call: (*Server).deleteCell,
	},
	{
		def: ToolDefinition{
			Name:        "get_cell",
			Description: "Read one cell, including the outputs of code cells.",
			InputSchema: schema([]string{"notebook_path", "cell_index"}, map[string]Property{
				"notebook_path": notebookPathProp,
				"cell_index":    cellIndexProp,
			}),
		},
		call: (*Server).getCell,
	},
	{
		def: ToolDefinition{
			Name:        "get_all_cells",
			Description: "Summarize every cell without outputs.",
			InputSchema: schema([]string{"notebook_path"}, map[string]Property{
				"notebook_path": notebookPathProp,
			}),
		},
		call: (*Server).getAllCells,
	},
	{
		def: ToolDefinition{
			Name:        "move_cell",
			Description: "Move a cell to another index.",
			InputSchema: schema([]string{"notebook_path", "from_index", "to_index"}, map[string]Property{
				"notebook_path": notebookPathProp,
				"from_index":    integer("Current index of the cell"),
				"to_index":      integer("Index the cell ends up at"),
			}),
		},
		call: (*Server).moveCell,
	},
	{
		def: ToolDefinition{
			Name:        "duplicate_cell",
			Description: "Copy a cell's type, source and metadata to a new cell.",
			InputSchema: schema([]string{"notebook_path", "cell_index"}, map[string]Property{
				"notebook_path": notebookPathProp,
				"cell_index":    cellIndexProp,
				"target_index":  integer("Where to insert the copy (default: right after the original)"),
			}),
		},
		call: (*Server).duplicateCell,
	},
	{
		def: ToolDefinition{
			Name:        "search_cells",
			Description: "Find a term in cell sources, reporting line numbers and offsets.",
			InputSchema: schema([]string{"notebook_path", "search_term"}, map[string]Property{
				"notebook_path":  notebookPathProp,
				"search_term":    str("Text to find"),
				"case_sensitive": {Type: "boolean", Description: "Match case", Default: false},
				"cell_types":     cellTypesProp,
			}),
		},
		call: (*Server).searchCells,
	},
	{
		def: ToolDefinition{
			Name:        "replace_in_cells",
			Description: "Replace a term in cell sources, in cell order, up to an optional total.",
			InputSchema: schema([]string{"notebook_path", "search_term", "replace_term"}, map[string]Property{
				"notebook_path":    notebookPathProp,
				"search_term":      str("Text to find"),
				"replace_term":     str("Replacement text"),
				"case_sensitive":   {Type: "boolean", Description: "Match case", Default: false},
				"cell_types":       cellTypesProp,
				"max_replacements": integer("Maximum replacements across the notebook"),
			}),
		},
		call: (*Server).replaceInCells,
	},

	// Execution.
	{
		def: ToolDefinition{
			Name:        "execute_cell",
			Description: "Run one code cell on the notebook's kernel and store its outputs.",
			InputSchema: schema([]string{"notebook_path", "cell_index"}, map[string]Property{
				"notebook_path": notebookPathProp,
				"cell_index":    cellIndexProp,
				"timeout":       timeoutProp,
			}),
		},
		call: (*Server).executeCell,
	},
	{
		def: ToolDefinition{
			Name:        "execute_all_cells",
			Description: "Run every cell in order, collecting per-cell results and errors.",
			InputSchema: schema([]string{"notebook_path"}, map[string]Property{
				"notebook_path": notebookPathProp,
				"timeout":       timeoutProp,
				"stop_on_error": {Type: "boolean", Description: "Stop at the first failing cell", Default: false},
			}),
		},
		call: (*Server).executeAllCells,
	},
	{
		def: ToolDefinition{
			Name:        "execute_cells_range",
			Description: "Run cells start_index through end_index inclusive.",
			InputSchema: schema([]string{"notebook_path", "start_index", "end_index"}, map[string]Property{
				"notebook_path": notebookPathProp,
				"start_index":   integer("First cell to run"),
				"end_index":     integer("Last cell to run"),
				"timeout":       timeoutProp,
				"stop_on_error": {Type: "boolean", Description: "Stop at the first failing cell", Default: false},
			}),
		},
		call: (*Server).executeCellsRange,
	},
	{
		def: ToolDefinition{
			Name:        "execute_code_snippet",
			Description: "Run code on the notebook's kernel without changing the notebook.",
			InputSchema: schema([]string{"notebook_path", "code"}, map[string]Property{
				"notebook_path": notebookPathProp,
				"code":          str("Code to run"),
				"timeout":       timeoutProp,
			}),
		},
		call: (*Server).executeCodeSnippet,
	},
	{
		def: ToolDefinition{
			Name:        "restart_kernel",
			Description: "Replace the notebook's kernel with a fresh one, discarding its state.",
			InputSchema: schema([]string{"notebook_path"}, map[string]Property{
				"notebook_path": notebookPathProp,
			}),
		},
		call: (*Server).restartKernel,
	},
	{
		def: ToolDefinition{
			Name:        "get_kernel_status",
			Description: "Report not_started, idle or busy_or_unresponsive for the notebook's kernel.",
			InputSchema: schema([]string{"notebook_path"}, map[string]Property{
				"notebook_path": notebookPathProp,
			}),
		},
		call: (*Server).getKernelStatus,
	},
	{
		def: ToolDefinition{
			Name:        "interrupt_kernel",
			Description: "Interrupt the code running on the notebook's kernel.",
			InputSchema: schema([]string{"notebook_path"}, map[string]Property{
				"notebook_path": notebookPathProp,
			}),
		},
		call: (*Server).interruptKernel,
	},

	// Server.
	{
		def: ToolDefinition{
			Name:        "list_allowed_directories",
			Description: "List the directories this server may read and write.",
			InputSchema: schema(nil, map[string]Property{}),
		},
		call: (*Server).listAllowedDirectories,
	},
	{
		def: ToolDefinition{
			Name:        "validate_notebook_path",
			Description: "Check whether a path is inside the allowed directories and names a notebook.",
			InputSchema: schema([]string{"notebook_path"}, map[string]Property{
				"notebook_path": str("Path to check"),
			}),
		},
		call: (*Server).validateNotebookPath,
	},
	{
		def: ToolDefinition{
			Name:        "get_server_info",
			Description: "Describe the server, its allowed directories, engines and running kernels.",
			InputSchema: schema(nil, map[string]Property{}),
		},
		call: (*Server).getServerInfo,
	},
}

type listNotebooksArgs struct {
	Directory string `json:"directory,omitempty"`
}

func (s *Server) listNotebooks(raw json.RawMessage) (any, error) {
	var args listNotebooksArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	dir := args.Directory
	if dir == "" {
		dir = s.store.Guard().AllowedRoots()[0]
	}
	entries, err := s.store.List(dir)
	if err != nil {
		return nil, err
	}
	base, err := s.store.Guard().ResolveDirectory(dir)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"directory": base.String(),
		"count":     len(entries),
		"notebooks": entries,
	}, nil
}

func (s *Server) getNotebookInfo(raw json.RawMessage) (any, error) {
	var args pathArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return s.store.Info(args.NotebookPath)
}

type createNotebookArgs struct {
	pathArgs
	Title    string `json:"title,omitempty"`
	Language string `json:"language,omitempty"`
}

func (s *Server) createNotebook(raw json.RawMessage) (any, error) {
	var args createNotebookArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	doc, err := s.store.Create(args.NotebookPath, args.Title, args.Language)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"title":      doc.Metadata["title"],
		"language":   doc.LanguageName(),
		"kernel":     doc.KernelName(),
		"cell_count": doc.Len(),
		"message":    "Notebook created successfully",
	}, nil
}

type exportArgs struct {
	pathArgs
	OutputPath string `json:"output_path,omitempty"`
}

func (s *Server) exportToPython(raw json.RawMessage) (any, error) {
	var args exportArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	out, err := s.store.ExportToScript(args.NotebookPath, args.OutputPath)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"output_path": out,
		"message":     "Notebook exported to Python script",
	}, nil
}

type addCellArgs struct {
	pathArgs
	CellType string  `json:"cell_type" validate:"required"`
	Content  *string `json:"content" validate:"required"`
	Position *int    `json:"position,omitempty"`
}

func (s *Server) addCell(raw json.RawMessage) (any, error) {
	var args addCellArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return s.editor.Add(args.NotebookPath, args.CellType, *args.Content, args.Position)
}

type modifyCellArgs struct {
	pathArgs
	CellIndex  *int    `json:"cell_index" validate:"required"`
	NewContent *string `json:"new_content" validate:"required"`
}

func (s *Server) modifyCell(raw json.RawMessage) (any, error) {
	var args modifyCellArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return s.editor.Modify(args.NotebookPath, *args.CellIndex, *args.NewContent)
}

type cellArgs struct {
	pathArgs
	CellIndex *int `json:"cell_index" validate:"required"`
}

func (s *Server) deleteCell(raw json.RawMessage) (any, error) {
	var args cellArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return s.editor.Delete(args.NotebookPath, *args.CellIndex)
}

func (s *Server) getCell(raw json.RawMessage) (any, error) {
	var args cellArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return s.editor.Get(args.NotebookPath, *args.CellIndex)
}

func (s *Server) getAllCells(raw json.RawMessage) (any, error) {
	var args pathArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return s.editor.GetAll(args.NotebookPath)
}

type moveCellArgs struct {
	pathArgs
	FromIndex *int `json:"from_index" validate:"required"`
	ToIndex   *int `json:"to_index" validate:"required"`
}

func (s *Server) moveCell(raw json.RawMessage) (any, error) {
	var args moveCellArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return s.editor.Move(args.NotebookPath, *args.FromIndex, *args.ToIndex)
}

type duplicateCellArgs struct {
	cellArgs
	TargetIndex *int `json:"target_index,omitempty"`
}

func (s *Server) duplicateCell(raw json.RawMessage) (any, error) {
	var args duplicateCellArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return s.editor.Duplicate(args.NotebookPath, *args.CellIndex, args.TargetIndex)
}

type searchArgs struct {
	pathArgs
	SearchTerm    *string  `json:"search_term" validate:"required"`
	CaseSensitive bool     `json:"case_sensitive,omitempty"`
	CellTypes     []string `json:"cell_types,omitempty"`
}

func (s *Server) searchCells(raw json.RawMessage) (any, error) {
	var args searchArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return s.editor.Search(args.NotebookPath, *args.SearchTerm, args.CaseSensitive, args.CellTypes)
}

type replaceArgs struct {
	searchArgs
	ReplaceTerm     *string `json:"replace_term" validate:"required"`
	MaxReplacements *int    `json:"max_replacements,omitempty" validate:"omitempty,gte=0"`
}

func (s *Server) replaceInCells(raw json.RawMessage) (any, error) {
	var args replaceArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return s.editor.Replace(args.NotebookPath, *args.SearchTerm, *args.ReplaceTerm, args.CaseSensitive, args.CellTypes, args.MaxReplacements)
}

type executeCellArgs struct {
	cellArgs
	timeoutArgs
}

func (s *Server) executeCell(raw json.RawMessage) (any, error) {
	var args executeCellArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return s.sessions.ExecuteCell(args.NotebookPath, *args.CellIndex, args.duration())
}

type executeAllArgs struct {
	pathArgs
	timeoutArgs
	StopOnError bool `json:"stop_on_error,omitempty"`
}

func (s *Server) executeAllCells(raw json.RawMessage) (any, error) {
	var args executeAllArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return s.sessions.ExecuteAll(args.NotebookPath, args.duration(), args.StopOnError)
}

type executeRangeArgs struct {
	executeAllArgs
	StartIndex *int `json:"start_index" validate:"required"`
	EndIndex   *int `json:"end_index" validate:"required"`
}

func (s *Server) executeCellsRange(raw json.RawMessage) (any, error) {
	var args executeRangeArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return s.sessions.ExecuteRange(args.NotebookPath, *args.StartIndex, *args.EndIndex, args.duration(), args.StopOnError)
}

type snippetArgs struct {
	pathArgs
	timeoutArgs
	Code *string `json:"code" validate:"required"`
}

func (s *Server) executeCodeSnippet(raw json.RawMessage) (any, error) {
	var args snippetArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return s.sessions.ExecuteSnippet(args.NotebookPath, *args.Code, args.duration())
}

func (s *Server) restartKernel(raw json.RawMessage) (any, error) {
	var args pathArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return s.sessions.Restart(args.NotebookPath)
}

func (s *Server) getKernelStatus(raw json.RawMessage) (any, error) {
	var args pathArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return s.sessions.Status(args.NotebookPath)
}

func (s *Server) interruptKernel(raw json.RawMessage) (any, error) {
	var args pathArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := s.sessions.Interrupt(args.NotebookPath); err != nil {
		return nil, err
	}
	return map[string]any{"message": "Kernel interrupted"}, nil
}

func (s *Server) listAllowedDirectories(raw json.RawMessage) (any, error) {
	dirs := append([]string{}, s.store.Guard().AllowedRoots()...)
	sort.Strings(dirs)
	return map[string]any{
		"allowed_directories": dirs,
		"count":               len(dirs),
	}, nil
}

func (s *Server) validateNotebookPath(raw json.RawMessage) (any, error) {
	var args pathArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	p, err := s.store.Resolve(args.NotebookPath)
	if err != nil {
		return nil, err
	}
	exists := true
	if _, err := os.Stat(p.String()); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, errinfo.StorageFailure("stat", p.String(), err)
		}
		exists = false
	}
	return map[string]any{
		"original_path":  args.NotebookPath,
		"validated_path": p.String(),
		"exists":         exists,
		"is_notebook":    filepath.Ext(p.String()) == ".ipynb",
	}, nil
}

type engineInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Language    string `json:"language"`
	Default     bool   `json:"default"`
	Available   bool   `json:"available"`
}

func (s *Server) getServerInfo(raw json.RawMessage) (any, error) {
	reg := s.sessions.Engines()
	engines := []engineInfo{}
	for _, name := range reg.Names() {
		spec, _ := reg.Spec(name)
		_, err := reg.Available(name)
		engines = append(engines, engineInfo{
			Name:        name,
			DisplayName: spec.DisplayName,
			Language:    spec.Language,
			Default:     name == reg.DefaultName(),
			Available:   err == nil,
		})
	}

	live := s.sessions.Registry().Live()
	if live == nil {
		live = []manager.SessionInfo{}
	}

	return map[string]any{
		"name":                ServerName,
		"version":             s.version,
		"description":         "MCP server for creating, editing and executing Jupyter notebooks",
		"allowed_directories": s.store.Guard().AllowedRoots(),
		"tool_count":          len(s.tools),
		"features": []string{
			"notebook creation and inspection",
			"cell insertion, modification, deletion, moves and duplication",
			"search and bounded replace across cells",
			"per-notebook kernels with cell, range and snippet execution",
			"kernel restart, interrupt and status probes",
			"export to Python scripts",
			"path sandboxing to allowed directories",
		},
		"nbformat": notebook.FormatMajor,
		"engines":  engines,
		"kernels":  live,
	}, nil
}
