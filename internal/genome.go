package internal

import (
	"maps"
	"slices"
)

// NodeType 神經元類型
type NodeType string

const (
	NodeInput  NodeType = "input"
	NodeHidden NodeType = "hidden"
	NodeOutput NodeType = "output"
)

// NodeGene 神經元基因
type NodeGene struct {
	ID    int      `json:"id"`
	Type  NodeType `json:"type"`
	Layer int      `json:"layer"`
}

// ConnectionGene 連接基因
type ConnectionGene struct {
	From    int     `json:"from"`
	To      int     `json:"to"`
	Weight  float64 `json:"weight"`
	Enabled bool    `json:"enabled"`
}

// Genome 候選基因組
type Genome struct {
	Fitness     float64          `json:"fitness"`
	Nodes       []NodeGene       `json:"nodes"`
	Connections []ConnectionGene `json:"connections"`
}

// Architecture 網路層結構摘要
type Architecture struct {
	Inputs  int   `json:"inputs"`
	Hidden  []int `json:"hidden"`
	Outputs int   `json:"outputs"`
}

// DefaultArchitecture 模型沒有任何基因組時使用的形狀
func DefaultArchitecture() Architecture {
	return Architecture{Inputs: 5, Hidden: []int{6}, Outputs: 2}
}

// BestGenome 選出 fitness 最高的基因組；同分時取第一個
func BestGenome(genomes []Genome) (Genome, bool) {
	if len(genomes) == 0 {
		return Genome{}, false
	}
	best := 0
	for i := 1; i < len(genomes); i++ {
		if genomes[i].Fitness > genomes[best].Fitness {
			best = i
		}
	}
	return genomes[best], true
}

// Weights 啟用中連接的權重，依基因順序展開
func (g Genome) Weights() []float64 {
	weights := make([]float64, 0, len(g.Connections))
	for _, c := range g.Connections {
		if c.Enabled {
			weights = append(weights, c.Weight)
		}
	}
	return weights
}

// Architecture 計算輸入、輸出數，隱藏層依 layer 分組計數
func (g Genome) Architecture() Architecture {
	arch := Architecture{Hidden: []int{}}
	hidden := make(map[int]int)

	for _, n := range g.Nodes {
		switch n.Type {
		case NodeInput:
			arch.Inputs++
		case NodeOutput:
			arch.Outputs++
		case NodeHidden:
			hidden[n.Layer]++
		}
	}

	for _, layer := range slices.Sorted(maps.Keys(hidden)) {
		arch.Hidden = append(arch.Hidden, hidden[layer])
	}
	return arch
}
