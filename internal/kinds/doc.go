// Package kinds 描述所有图片资源类型（角色头像、军团/联盟徽标、物品图标、星图等）的
// 声明式元数据：缓存目录、上游路径、默认变体、本地来源、输出基础格式、缓存时长与
// 是否参与后台再验证。编排器与再验证器只依赖这张表，不再为每种资源复制控制流。
//
// Table 由调用方显式构建并注入，不存在全局注册表。
package kinds
